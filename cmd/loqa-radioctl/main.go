package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/console"
)

var version = "0.1.0-dev"

const usage = "expected 'validate', 'status', 'events', 'play', 'pause', 'stop', 'toggle' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var (
		configPath string
		addr       string
		limit      int
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "loqa-radio.yaml", "Path to configuration file")

	remote := func(name string) *flag.FlagSet {
		fs := flag.NewFlagSet(name, flag.ExitOnError)
		fs.StringVar(&addr, "addr", "http://localhost:8080", "Daemon HTTP address")
		if name == "events" {
			fs.IntVar(&limit, "limit", 20, "Maximum number of events")
		}
		return fs
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var err error
	switch cmd := os.Args[1]; cmd {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err = runValidate(configPath); err == nil {
			fmt.Println("config valid")
		}
	case "status":
		fs := remote(cmd)
		fs.Parse(os.Args[2:])
		err = runStatus(client, addr)
	case "events":
		fs := remote(cmd)
		fs.Parse(os.Args[2:])
		err = runEvents(client, addr, fs.Arg(0), limit)
	case "play", "pause", "stop", "toggle":
		fs := remote(cmd)
		fs.Parse(os.Args[2:])
		err = runAction(client, addr, fs.Arg(0), cmd)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(path string) error {
	_, err := config.Load(path)
	return err
}

func runStatus(client *http.Client, addr string) error {
	var status []console.Status
	if err := call(client, http.MethodGet, addr+"/channels", &status); err != nil {
		return err
	}
	for _, st := range status {
		fmt.Printf("%d %-8s %-10s connected=%-5t published=%d\n", st.ID+1, st.Topic, st.State, st.Connected, st.Published)
	}
	return nil
}

func runAction(client *http.Client, addr, topic, action string) error {
	if topic == "" {
		return fmt.Errorf("usage: %s [-addr url] <channel>", action)
	}
	var st console.Status
	if err := call(client, http.MethodPost, fmt.Sprintf("%s/channels/%s/%s", addr, topic, action), &st); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", st.Topic, st.State)
	return nil
}

func runEvents(client *http.Client, addr, topic string, limit int) error {
	if topic == "" {
		return fmt.Errorf("usage: events [-addr url] [-limit n] <channel>")
	}
	var events []struct {
		Kind      string          `json:"kind"`
		State     string          `json:"state"`
		Detail    json.RawMessage `json:"detail"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := call(client, http.MethodGet, fmt.Sprintf("%s/channels/%s/events?limit=%d", addr, topic, limit), &events); err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("%s %-14s %-10s %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Kind, e.State, string(e.Detail))
	}
	return nil
}

func call(client *http.Client, method, url string, out any) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(bytes.NewReader(body)).Decode(out)
}
