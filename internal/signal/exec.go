package signal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-radio/internal/channel"
)

// Exec runs an external generator. Parameters are written to stdin as JSON and
// the command prints one {"index":..,"amplitude":..} object per line.
type Exec struct {
	cmd []string
}

type execRequest struct {
	Duration  int     `json:"duration"`
	Voice     string  `json:"voice"`
	PitchBase float64 `json:"pitch_base"`
	PitchLow  float64 `json:"pitch_low"`
	PitchHigh float64 `json:"pitch_high"`
}

func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse signal command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("signal command empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Generate(ctx context.Context, params channel.Parameters) ([]Sample, error) {
	payload, err := json.Marshal(execRequest{
		Duration:  params.Duration,
		Voice:     params.Voice,
		PitchBase: params.PitchBase,
		PitchLow:  params.PitchLow,
		PitchHigh: params.PitchHigh,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run signal command: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var samples []Sample
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var s Sample
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("decode sample %d: %w", len(samples), err)
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}
