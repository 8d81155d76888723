// Package shell is the interactive PulseML client: a REPL of /commands over
// the session controller, the cached resource service and the run poller.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"PulseML/internal/gateway"
	"PulseML/internal/poller"
	"PulseML/internal/resources"
	"PulseML/internal/session"
)

var errNotLoggedIn = errors.New("not logged in, use /login <email> [password]")

// syncWriter serialises writes from the REPL and from watch goroutines
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Shell reads commands from in and writes results to out
type Shell struct {
	session *session.Controller
	data    *resources.Service
	poller  *poller.Poller
	logger  *slog.Logger
	baseURL string

	in      io.Reader
	out     io.Writer
	scanner *bufio.Scanner

	mu      sync.Mutex
	watches map[string]*poller.Subscription
	wg      sync.WaitGroup
}

// New creates a Shell over app's components
func New(app *App, in io.Reader, out io.Writer) *Shell {
	s := &Shell{
		session: app.Session,
		data:    app.Resources,
		poller:  app.Poller,
		logger:  app.Logger.With("component", "shell"),
		baseURL: app.Config.APIBaseURL,
		in:      in,
		out:     &syncWriter{w: out},
		watches: make(map[string]*poller.Subscription),
	}
	s.scanner = bufio.NewScanner(in)
	app.Session.OnStateChange(func(from, to session.State) {
		if from == session.Expiring && to == session.Anonymous {
			// may run on a watch goroutine, so cancel without waiting
			s.cancelWatches()
			s.println("Session ended. Cached data cleared.")
		}
	})
	return s
}

func (s *Shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) println(args ...any) {
	fmt.Fprintln(s.out, args...)
}

// Run executes commands until /quit, end of input or ctx is cancelled.
// Active watches are cancelled before it returns.
func (s *Shell) Run(ctx context.Context) error {
	defer s.stopWatches()

	s.println("=== PulseML ===")
	s.printf("API: %s\n", s.baseURL)
	if user, err := s.session.Bootstrap(ctx); err != nil {
		s.printf("Stored session is no longer valid: %s\n", describe(err))
	} else if user != nil {
		s.printf("Logged in as %s\n", user.Email)
	}
	s.println("Type /help for commands, /quit to exit")
	s.println()

	for {
		if ctx.Err() != nil {
			break
		}
		s.printf("pulseml> ")
		if !s.scanner.Scan() {
			break
		}

		input := strings.TrimSpace(s.scanner.Text())
		if input == "" {
			continue
		}
		if !strings.HasPrefix(input, "/") {
			s.println("Commands start with /. Type /help for the list.")
			continue
		}

		shouldQuit, err := s.handleCommand(ctx, input)
		if err != nil {
			s.printf("Error: %s\n", describe(err))
			s.logger.Error("command error", "command", strings.Fields(input)[0], "error", err)
		}
		if shouldQuit {
			break
		}
	}
	if err := s.scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	s.println("Goodbye!")
	return nil
}

// describe turns an error into the message shown to the user
func describe(err error) string {
	var apiErr *gateway.APIError
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return "not authorized, please /login again"
	case errors.Is(err, poller.ErrRunNotFound):
		return "training run not found"
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return fmt.Sprintf("%s (HTTP %d)", apiErr.Message, apiErr.StatusCode)
	}
	return err.Error()
}

func (s *Shell) requireLogin() error {
	if s.session.State() != session.Authenticated {
		return errNotLoggedIn
	}
	return nil
}

// readSecret reads a password without echo when input is a terminal, else
// the next input line.
func (s *Shell) readSecret(prompt string) (string, error) {
	s.printf("%s", prompt)
	if f, ok := s.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		s.println()
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	if !s.scanner.Scan() {
		return "", errors.New("no password given")
	}
	return strings.TrimSpace(s.scanner.Text()), nil
}

func (s *Shell) track(sub *poller.Subscription) {
	s.mu.Lock()
	s.watches[sub.ID] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-sub.Done()
		s.mu.Lock()
		delete(s.watches, sub.ID)
		s.mu.Unlock()

		switch err := sub.Err(); {
		case err != nil:
			s.printf("[watch run %d] stopped: %s\n", sub.RunID, describe(err))
		case sub.LastStatus().Terminal():
			s.printf("[watch run %d] finished with status %s\n", sub.RunID, sub.LastStatus())
		}
	}()
}

func (s *Shell) activeWatches() []*poller.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*poller.Subscription, 0, len(s.watches))
	for _, sub := range s.watches {
		out = append(out, sub)
	}
	return out
}

func (s *Shell) cancelWatches() {
	for _, sub := range s.activeWatches() {
		sub.Cancel()
	}
}

// stopWatches cancels every watch and waits for their goroutines
func (s *Shell) stopWatches() {
	s.cancelWatches()
	s.wg.Wait()
}
