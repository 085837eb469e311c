package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatsync/client/internal/composer"
	"chatsync/client/internal/model"
	"chatsync/client/internal/session"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Join a room and print its timeline; lines typed on stdin are sent",
	Long: `Join a room and print its timeline.

Lines typed on stdin are sent as text messages. Commands:
  /upload <path> [caption]   send a file attachment
  /retry <localId>           retry a failed upload
  /quit                      leave the room and exit`,
	RunE: runTail,
}

var flagTailRoom string

func init() {
	tailCmd.Flags().StringVar(&flagTailRoom, "room", "", "room to join (default from bridge.default_room)")
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(flagConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()

	room := flagTailRoom
	if room == "" {
		room = a.cfg.Bridge.DefaultRoom
	}
	if room == "" {
		return fmt.Errorf("--room is required")
	}

	out := cmd.OutOrStdout()
	// 回调里不能调用 Manager，事件转交给主循环打印
	events := make(chan session.Event, 256)
	unsubscribe := a.manager.Subscribe(func(evt session.Event) {
		select {
		case events <- evt:
		default:
		}
	})
	defer unsubscribe()

	if err := a.manager.Open(ctx, room); err != nil {
		return fmt.Errorf("open room %q: %w", room, err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			printEvent(out, evt)
			if evt.Kind == session.EventTimeline && evt.Message == nil {
				for _, msg := range a.manager.Timeline() {
					fmt.Fprintf(out, "  [%s] %s\n", formatTime(msg.SentAt), formatMessage(msg))
				}
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, a.manager, line, a.cfg.Upload.MaxBytes)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine 执行一行输入；返回 true 表示退出
func handleLine(ctx context.Context, m *session.Manager, line string, maxBytes int64) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := m.Submit(ctx, line, nil)
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/retry":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /retry <localId>")
		}
		return false, m.Retry(ctx, fields[1])
	case "/upload":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /upload <path> [caption]")
		}
		file, err := readFile(fields[1], maxBytes)
		if err != nil {
			return false, err
		}
		caption := strings.Join(fields[2:], " ")
		_, err = m.Submit(ctx, caption, file)
		return false, err
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func readFile(path string, maxBytes int64) (*composer.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%s is larger than %d bytes", path, maxBytes)
	}
	abs, _ := filepath.Abs(path)
	return &composer.File{
		Name:         filepath.Base(path),
		ContentType:  mime.TypeByExtension(filepath.Ext(path)),
		Data:         data,
		LocalPreview: "file://" + abs,
	}, nil
}

func printEvent(w io.Writer, evt session.Event) {
	switch evt.Kind {
	case session.EventRoom:
		if evt.Room == "" {
			fmt.Fprintln(w, "-- left room")
		} else {
			fmt.Fprintf(w, "-- joined %s\n", evt.Room)
		}
	case session.EventLinkState:
		fmt.Fprintf(w, "-- link %s\n", evt.LinkState)
	case session.EventPresence:
		fmt.Fprintf(w, "-- %d online\n", evt.Count)
	case session.EventHistoryUnavailable:
		fmt.Fprintf(w, "-- history unavailable: %s\n", evt.Error)
	case session.EventUploadFailed:
		id := ""
		if evt.Message != nil {
			id = evt.Message.LocalID
		}
		fmt.Fprintf(w, "! upload %s failed: %s (use /retry %s)\n", id, evt.Error, id)
	case session.EventTimeline:
		if evt.Message != nil {
			fmt.Fprintf(w, "%s [%s] %s\n", evt.Outcome, formatTime(evt.Message.SentAt), formatMessage(*evt.Message))
		} else {
			fmt.Fprintf(w, "-- timeline %s\n", evt.Outcome)
		}
	}
}

func formatTime(ms int64) string {
	if ms <= 0 {
		return "--:--:--"
	}
	return time.UnixMilli(ms).Format("15:04:05")
}

func formatMessage(msg model.Message) string {
	var b strings.Builder
	b.WriteString(msg.AuthorName)
	b.WriteString(": ")
	b.WriteString(msg.TextContent)
	if att := msg.Attachment; att != nil {
		switch att.UploadState {
		case model.UploadDone:
			fmt.Fprintf(&b, " <%s>", att.RemoteURI)
		case model.UploadFailed:
			fmt.Fprintf(&b, " <%s failed>", att.FileName)
		default:
			fmt.Fprintf(&b, " <%s %d%%>", att.FileName, att.Progress)
		}
	}
	return b.String()
}
