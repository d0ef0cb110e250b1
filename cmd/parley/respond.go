package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"parley/internal/chat"
)

type transcriptFlags struct {
	agent string
	line  int
}

func (f *transcriptFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "agent to answer with (default from the config file)")
	cmd.Flags().IntVarP(&f.line, "line", "l", -1, "zero-based cursor line; -1 answers the last question")
}

func (c *cli) newRespondCommand() *cobra.Command {
	var (
		flags  transcriptFlags
		force  bool
		write  bool
		stream bool
	)
	cmd := &cobra.Command{
		Use:   "respond [file|-]",
		Short: "Answer the question under the cursor and write the reply into the transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := transcriptPath(args)
			text, err := readTranscript(path, cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := newApp(ctx, c.cfg, log.Logger, appOptions{store: true, redis: true})
			if err != nil {
				return err
			}
			defer a.Close()

			agent, err := a.file.Agent(firstNonEmpty(flags.agent, a.file.DefaultAgent))
			if err != nil {
				return err
			}

			var sink chat.Sink = chat.NewMemorySink(text)
			mem := sink.(*chat.MemorySink)
			if stream {
				sink = &teeSink{Sink: sink, out: cmd.OutOrStdout()}
			}
			turn, err := a.responder.Respond(ctx, chat.RespondRequest{
				Owner:      ownerFor(path),
				Sink:       sink,
				CursorLine: flags.line,
				Agent:      agent,
				Force:      force,
			})
			if err != nil {
				return err
			}

			select {
			case <-turn.Done():
			case <-ctx.Done():
				log.Info().Int("stopped", a.dispatch.Stop()).Msg("interrupted, stopping queries")
				<-turn.Done()
			}
			if stream {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			if err := turn.Err(); err != nil {
				log.Warn().Err(err).Msg("answer finished with error")
			}

			switch {
			case path == "-" || !write:
				if !stream {
					_, err = io.WriteString(cmd.OutOrStdout(), mem.String())
				}
				return err
			default:
				return writeTranscript(path, mem.String())
			}
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "answer even if this transcript has a query running")
	cmd.Flags().BoolVarP(&write, "write", "w", true, "write the updated transcript back to the file")
	cmd.Flags().BoolVarP(&stream, "stream", "s", true, "print the answer to stdout as it arrives")
	return cmd
}

func (c *cli) newPayloadCommand() *cobra.Command {
	var (
		flags    transcriptFlags
		messages bool
	)
	cmd := &cobra.Command{
		Use:   "payload [file|-]",
		Short: "Print the request body that respond would send, without sending it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readTranscript(transcriptPath(args), cmd.InOrStdin())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c.cfg, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			agent, err := a.file.Agent(firstNonEmpty(flags.agent, a.file.DefaultAgent))
			if err != nil {
				return err
			}
			p, err := a.responder.Prepare(chat.NewMemorySink(text).Lines(), flags.line, agent)
			if err != nil {
				return err
			}
			for _, w := range p.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}

			var out any = p.Payload
			if messages {
				out = p.Messages
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(out)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&messages, "messages", "m", false, "print the normalized messages instead of the provider body")
	return cmd
}

// teeSink echoes streamed text to out as it is appended.
type teeSink struct {
	chat.Sink
	out io.Writer
}

func (t *teeSink) Append(text string) error {
	if err := t.Sink.Append(text); err != nil {
		return err
	}
	_, _ = io.WriteString(t.out, text)
	return nil
}

func transcriptPath(args []string) string {
	if len(args) == 0 {
		return "-"
	}
	return args[0]
}

func readTranscript(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

func writeTranscript(path, text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	tmp := path + ".parley.tmp"
	if err := os.WriteFile(tmp, []byte(text), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

func ownerFor(path string) string {
	if path == "-" {
		return "stdin"
	}
	if abs, err := filepath.Abs(path); err == nil {
		return "file:" + abs
	}
	return "file:" + path
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
