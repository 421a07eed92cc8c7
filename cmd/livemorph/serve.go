package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livemorph/livemorph/pkg/liveserver"
	"github.com/livemorph/livemorph/pkg/middleware"
	"github.com/livemorph/livemorph/pkg/protocol"
	"github.com/livemorph/livemorph/pkg/upload"
)

func serveCmd() *cobra.Command {
	var (
		addr      string
		uploadDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo todo server",
		Long: `Run a server hosting an in-memory todo backend behind the full
protocol stack: the call endpoint, the broadcast WebSocket, the upload
endpoint, and Prometheus metrics.

Examples:
  livemorph serve
  livemorph serve --addr=:9000 --upload-dir=/tmp/livemorph`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, uploadDir)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Address to listen on")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", os.TempDir(), "Directory for parked attachments")

	return cmd
}

func runServe(addr, uploadDir string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	store, err := upload.NewDiskStore(uploadDir, 32<<20)
	if err != nil {
		return fmt.Errorf("upload store: %w", err)
	}

	cfg := liveserver.DefaultConfig()
	cfg.Uploads = store
	cfg.MetricsPath = "/metrics"
	cfg.Authorize = liveserver.AllowGroups("todos")
	cfg.Logger = logger
	cfg.Middleware = []func(http.Handler) http.Handler{
		middleware.Metrics(),
		middleware.OTel(middleware.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != cfg.MetricsPath
		})),
	}

	backend := newTodoBackend(logger)
	server := liveserver.New(backend, cfg)
	backend.hub = server.Hub()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// todoBackend is the demo component backend: one todo-list component per
// identity, broadcasting changes to the "todos" group.
type todoBackend struct {
	logger *slog.Logger
	hub    *liveserver.Hub

	mu    sync.Mutex
	lists map[string][]todo
}

type todo struct {
	Title string
	Done  bool
}

func newTodoBackend(logger *slog.Logger) *todoBackend {
	return &todoBackend{
		logger: logger,
		lists:  make(map[string][]todo),
	}
}

func (b *todoBackend) Call(_ context.Context, req *protocol.Request, files []*upload.File) (*liveserver.CallResult, error) {
	for _, f := range files {
		b.logger.Info("attachment received", "filename", f.Filename, "size", f.Size)
		f.Close()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := req.Call.Component

	switch req.Call.Method {
	case "add_todo":
		title, _ := firstString(req.Call.Args)
		if title == "" {
			return &liveserver.CallResult{
				Response: protocol.NewErrorResponse(req.ID, protocol.CodeInvalidArgs, "title required"),
			}, nil
		}
		b.lists[id] = append(b.lists[id], todo{Title: title})

	case "toggle":
		idx, ok := firstIndex(req.Call.Args, len(b.lists[id]))
		if !ok {
			return &liveserver.CallResult{
				Response: protocol.NewErrorResponse(req.ID, protocol.CodeInvalidArgs, "bad index"),
			}, nil
		}
		b.lists[id][idx].Done = !b.lists[id][idx].Done

	case "export":
		var sb strings.Builder
		for _, t := range b.lists[id] {
			fmt.Fprintf(&sb, "%s,%t\n", t.Title, t.Done)
		}
		return &liveserver.CallResult{Download: &liveserver.Download{
			Filename:    "todos.csv",
			ContentType: "text/csv",
			Content:     []byte(sb.String()),
		}}, nil

	case "$refresh":
		// Render only.

	default:
		return &liveserver.CallResult{
			Response: protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, req.Call.Method),
		}, nil
	}

	if b.hub != nil && req.Call.Method != "$refresh" {
		b.hub.NotifyDataChanged("todos", req.ID, map[string]any{
			"count": len(b.lists[id]),
		})
	}

	return &liveserver.CallResult{
		Response: protocol.NewResponse(req.ID, protocol.ResponsePayload{
			Result: len(b.lists[id]),
			HTML:   b.render(id),
			State:  map[string]any{"count": len(b.lists[id])},
		}),
	}, nil
}

// render produces the component markup with sync markers: the identity,
// the broadcast group, and stable per-item keys.
func (b *todoBackend) render(id string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<ul live-id="%s" live-groups="todos">`, id)
	for i, t := range b.lists[id] {
		class := ""
		if t.Done {
			class = ` class="done"`
		}
		fmt.Fprintf(&sb, `<li live-key="t-%d"%s>%s</li>`, i, class, t.Title)
	}
	sb.WriteString("</ul>")
	return sb.String()
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func firstIndex(args []any, n int) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	f, ok := args[0].(float64)
	idx := int(f)
	if !ok || idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}
