package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/miragelabs/mirage-core/internal/autopilot"
	"github.com/miragelabs/mirage-core/internal/channel"
)

var version = "0.1.0-dev"

func main() {
	var planPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&planPath, "file", "plan.yaml", "Path to plan file")
	inspectCmd := flag.NewFlagSet("inspect", flag.ExitOnError)
	inspectCmd.StringVar(&planPath, "file", "plan.yaml", "Path to plan file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'inspect' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(planPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("plan valid")
	case "inspect":
		inspectCmd.Parse(os.Args[2:])
		if err := runInspect(planPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	p, err := autopilot.Load(path)
	if err != nil {
		return err
	}
	return autopilot.Validate(p)
}

func runInspect(path string) error {
	p, err := autopilot.Load(path)
	if err != nil {
		return err
	}
	if err := autopilot.Validate(p); err != nil {
		return err
	}

	fmt.Printf("plan:    %s\n", p.Name)
	fmt.Printf("device:  %s\n", p.Device)
	fmt.Printf("steps:   %d\n", len(p.Steps))
	if channels := p.Channels(); len(channels) > 0 {
		names := make([]string, 0, len(channels))
		for _, ch := range channels {
			names = append(names, string(ch))
		}
		fmt.Printf("writes:  %s\n", strings.Join(names, ", "))
	}
	for i, step := range p.Steps {
		fmt.Printf("  %2d. %s%s\n", i, step.Op, stepDetail(step))
	}
	return nil
}

func stepDetail(s autopilot.Step) string {
	var parts []string
	if s.Channel != "" {
		parts = append(parts, s.Channel)
	}
	if s.Gesture != "" {
		parts = append(parts, s.Gesture)
		parts = append(parts, string(channel.GestureChannel(channel.Gesture(s.Gesture))))
	}
	if s.Text != "" {
		parts = append(parts, fmt.Sprintf("%q", s.Text))
	}
	if s.Path != "" {
		parts = append(parts, s.Path)
	}
	if s.DurationMS > 0 {
		parts = append(parts, fmt.Sprintf("%dms", s.DurationMS))
	}
	if len(s.Replies) > 0 {
		parts = append(parts, fmt.Sprintf("%d replies", len(s.Replies)))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
