// postilion-util is a command-line client for operator actions against a
// running postilion core: setting and cancelling administrative bounces,
// and inspecting configuration. It talks to the daemon's monitoring HTTP
// server (internal/admin's wire transport, defined in cmd/postilion).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/ivarela/postilion/internal/config"
)

const usage = `postilion-util.

Usage:
  postilion-util [--addr=<addr>] bounce-set [--queue=<queue>] [--from=<from>] [--to=<to>] --reason=<reason> --duration=<duration>
  postilion-util [--addr=<addr>] bounce-cancel <id>
  postilion-util [--config_dir=<path>] print-config
  postilion-util -h | --help

Options:
  --addr=<addr>         Monitoring HTTP address of the running core [default: localhost:21013]
  --queue=<queue>       Restrict the bounce to one queue name
  --from=<from>         Restrict the bounce to one envelope sender
  --to=<to>             Restrict the bounce to one envelope recipient
  --reason=<reason>     Text to report back to senders as the bounce reason
  --duration=<duration> How long the bounce stays active, as a Go duration (e.g. 24h)
  --config_dir=<path>   Configuration directory [default: /etc/postilion]
  -h --help             Show this screen
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version())
	if err != nil {
		Fatalf("%v", err)
	}

	switch {
	case truthy(opts["bounce-set"]):
		bounceSet(opts)
	case truthy(opts["bounce-cancel"]):
		bounceCancel(opts)
	case truthy(opts["print-config"]):
		printConfig(opts)
	}
}

func version() string {
	return "postilion-util (unversioned)"
}

func truthy(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func str(opts docopt.Opts, key string) string {
	v, _ := opts[key].(string)
	return v
}

// Fatalf prints the given message to stderr, then exits the program with
// an error code.
func Fatalf(s string, arg ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", arg...)
	os.Exit(1)
}

type setBounceRequest struct {
	Queue    string `json:"queue"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

type setBounceResponse struct {
	Id string `json:"id"`
}

type bounceCancelRequest struct {
	Id string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func adminURL(opts docopt.Opts, path string) string {
	addr := str(opts, "--addr")
	if addr == "" {
		addr = "localhost:21013"
	}
	return "http://" + addr + path
}

func postJSON(url string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	hresp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contacting %s: %v", url, err)
	}
	defer hresp.Body.Close()

	raw, err := io.ReadAll(hresp.Body)
	if err != nil {
		return err
	}

	if hresp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("unexpected status %s", hresp.Status)
	}

	if resp == nil {
		return nil
	}
	return json.Unmarshal(raw, resp)
}

// postilion-util bounce-set [--queue=<queue>] [--from=<from>] [--to=<to>] --reason=<reason> --duration=<duration>
func bounceSet(opts docopt.Opts) {
	// Validate the duration locally so a typo is caught before round-
	// tripping to the daemon.
	if _, err := time.ParseDuration(str(opts, "--duration")); err != nil {
		Fatalf("Invalid --duration: %v", err)
	}

	req := setBounceRequest{
		Queue:    str(opts, "--queue"),
		From:     str(opts, "--from"),
		To:       str(opts, "--to"),
		Reason:   str(opts, "--reason"),
		Duration: str(opts, "--duration"),
	}

	var resp setBounceResponse
	if err := postJSON(adminURL(opts, "/admin/bounce/set"), req, &resp); err != nil {
		Fatalf("Error setting bounce: %v", err)
	}

	fmt.Printf("Bounce installed: %s\n", resp.Id)
}

// postilion-util bounce-cancel <id>
func bounceCancel(opts docopt.Opts) {
	req := bounceCancelRequest{Id: str(opts, "<id>")}

	if err := postJSON(adminURL(opts, "/admin/bounce/cancel"), req, nil); err != nil {
		Fatalf("Error cancelling bounce: %v", err)
	}

	fmt.Println("Bounce cancelled")
}

// postilion-util print-config
func printConfig(opts docopt.Opts) {
	dir := str(opts, "--config_dir")
	if dir == "" {
		dir = "/etc/postilion"
	}

	conf, err := config.Load(filepath.Join(dir, "postilion.yaml"))
	if err != nil {
		Fatalf("Error loading config: %v", err)
	}

	config.LogConfig(conf)
}
