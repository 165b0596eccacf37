// Command soundkit-console is the operator side of the link. It decodes
// report frames and builds downlink commands, publishing them to the
// device's downlink topic when Kafka is configured.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/RyanBlaney/sonido-soundkit/config"
	"github.com/RyanBlaney/sonido-soundkit/logging"
	"github.com/RyanBlaney/sonido-soundkit/uplink"
	"github.com/chzyer/readline"
)

func main() {
	configPath := flag.String("config", "", "path to the sensor's JSON config")
	publish := flag.Bool("publish", false, "publish commands to the Kafka downlink topic")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "soundkit-console: %v\n", err)
		os.Exit(2)
	}
	logging.DisableColors()

	c := &console{
		out:       os.Stdout,
		blockSize: cfg.Sampler.BlockSize,
		rate:      cfg.Sampler.SampleRate,
	}
	if *publish {
		w, err := uplink.NewDownlinkWriter(cfg.KafkaSettings())
		if err != nil {
			fmt.Fprintf(os.Stderr, "soundkit-console: %v\n", err)
			os.Exit(2)
		}
		defer w.Close()
		c.sender = w
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "soundkit> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("decode"),
			readline.PcItem("cycle"),
			readline.PcItem("offset"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "soundkit-console: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Fprintf(c.out, "device %s, type 'help' for commands\n", cfg.DeviceEUI)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "soundkit-console: %v\n", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "quit" || line == "exit" {
			return
		}
		if err := c.execute(context.Background(), line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + "/soundkit-console.history"
}
