package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/protocol"
)

var (
	runURL      string
	runLanguage string
	runInput    string
	runEOF      bool
)

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Run a source file on a coderun server",
	Long: `Send a source file to a coderun server and attach the terminal to it.
Program output is printed as it arrives; each line typed is sent to the
program's standard input. Ctrl-D closes the program's standard input and
Ctrl-C stops the run.

The language defaults to one guessed from the file extension.

Examples:
  coderun run hello.py
  coderun run --url ws://sandbox:8080/ws --language ruby script.rb`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runURL, "url", "ws://localhost:8080/ws", "WebSocket endpoint of the server")
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "", "Language of the source file")
	runCmd.Flags().StringVar(&runInput, "input", "", "Text written to the program's stdin before any typed input")
	runCmd.Flags().BoolVar(&runEOF, "eof", false, "Close the program's stdin after --input")
	rootCmd.AddCommand(runCmd)
}

var extLanguages = map[string]string{
	".py":  "python",
	".js":  "javascript",
	".mjs": "javascript",
	".rb":  "ruby",
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	language := runLanguage
	if language == "" {
		language = extLanguages[strings.ToLower(filepath.Ext(args[0]))]
	}

	conn, _, err := websocket.DefaultDialer.Dial(runURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", runURL, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg protocol.Inbound) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	if err := send(protocol.Inbound{
		Action:   protocol.ActionRun,
		Code:     string(code),
		Language: language,
		Input:    runInput,
		EOF:      runEOF,
	}); err != nil {
		return fmt.Errorf("sending run: %w", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	go forwardInput(rl, send)

	return readResults(conn, rl.Stdout(), rl.Stderr())
}

// forwardInput sends typed lines as input until the terminal is closed.
func forwardInput(rl *readline.Instance, send func(protocol.Inbound) error) {
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if send(protocol.Inbound{Action: protocol.ActionStop}) != nil {
				return
			}
			continue
		case errors.Is(err, io.EOF):
			send(protocol.Inbound{Action: protocol.ActionInput, EOF: true})
			return
		case err != nil:
			return
		}
		if send(protocol.Inbound{Action: protocol.ActionInput, Data: line}) != nil {
			return
		}
	}
}

func readResults(conn *websocket.Conn, stdout, stderr io.Writer) error {
	for {
		var msg protocol.Outbound
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}

		switch msg.Type {
		case protocol.TypeOutput:
			w := stdout
			if msg.Stream == "stderr" {
				w = stderr
			}
			fmt.Fprint(w, msg.Data)
		case protocol.TypeStatus:
			switch msg.State {
			case protocol.StateFinished:
				if msg.ExitCode != nil && *msg.ExitCode != 0 {
					return exitCodeError{code: *msg.ExitCode}
				}
				return nil
			case protocol.StateError:
				return errors.New(msg.Detail)
			}
		}
	}
}
