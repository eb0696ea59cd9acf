package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	args := os.Args[1:]

	verbose := false
	for len(args) > 0 {
		switch args[0] {
		case "-v", "--verbose":
			verbose = true
			args = args[1:]
			continue
		}
		break
	}
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	if len(args) == 0 {
		usage()
		os.Exit(0)
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Printf("Unknown command: %s\n", args[0])
		usage()
		os.Exit(1)
	}

	if err := cmd.run(args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name  string
	brief string
	run   func(args []string) error
}

var commands = map[string]command{}

func register(cmd command) {
	commands[cmd.name] = cmd
}

func usage() {
	fmt.Println("Usage: datastash [-v] <command> [args...]")
	fmt.Println("Available commands:")
	for _, name := range commandNames() {
		fmt.Printf("  %-10s %s\n", name, commands[name].brief)
	}
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
