// Command taskctl is a terminal client for the taskboard API.
//
// Usage:
//
//	taskctl [--server URL] [--session FILE] <command> [flags] [args]
//
// Commands:
//
//	register EMAIL                     create an account
//	login EMAIL                        log in and store the session
//	exchange CODE                      redeem an external-login code
//	logout                             forget the stored session
//	list [--sort recent|oldest] [--search TEXT]
//	add --title T [--desc D] [--status S]
//	edit ID [--title T] [--desc D] [--status S]
//	rm ID
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"taskboard/internal/board"
	"taskboard/internal/client"
	"taskboard/internal/pkg/apperr"
	"taskboard/internal/task"

	"golang.org/x/term"
)

const defaultServer = "http://localhost:8081"

// readPassword and isTerminal are test seams for the terminal prompt.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type app struct {
	api         *client.Client
	sessionPath string
	in          *bufio.Reader
	inFd        int
	out         io.Writer
	now         func() time.Time
}

// run returns the process exit code: 0 on success, 1 on failure, 2 on usage
// errors.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", envOr("TASKBOARD_URL", defaultServer), "API base URL")
	sessionPath := fs.String("session", defaultSessionPath(), "session file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: taskctl [--server URL] [--session FILE] <register|login|exchange|logout|list|add|edit|rm> [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	a := &app{
		api:         client.New(*server),
		sessionPath: *sessionPath,
		in:          bufio.NewReader(stdin),
		inFd:        -1,
		out:         stdout,
		now:         time.Now,
	}
	if f, ok := stdin.(*os.File); ok {
		a.inFd = int(f.Fd())
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "register":
		err = a.register(ctx, rest)
	case "login":
		err = a.login(ctx, rest)
	case "exchange":
		err = a.exchange(ctx, rest)
	case "logout":
		err = a.logout()
	case "list", "ls":
		err = a.list(ctx, rest)
	case "add":
		err = a.add(ctx, rest)
	case "edit":
		err = a.edit(ctx, rest)
	case "rm", "delete":
		err = a.remove(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	var uerr usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &uerr):
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 2
	case errors.Is(err, apperr.ErrTokenExpired), errors.Is(err, apperr.ErrUnauthenticated), errors.Is(err, apperr.ErrInvalidToken):
		fmt.Fprintf(stderr, "%s: %v (run `taskctl login EMAIL`)\n", cmd, err)
		return 1
	default:
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func (a *app) register(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError{"expected EMAIL"}
	}
	password, err := a.promptPassword()
	if err != nil {
		return err
	}
	u, err := a.api.Register(ctx, args[0], password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "registered %s (id %d)\n", u.Email, u.ID)
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError{"expected EMAIL"}
	}
	password, err := a.promptPassword()
	if err != nil {
		return err
	}
	s, err := a.api.Login(ctx, args[0], password)
	if err != nil {
		return err
	}
	if err := client.SaveSession(a.sessionPath, s); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "logged in as %s until %s\n", s.Email, s.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

func (a *app) exchange(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError{"expected CODE"}
	}
	s, err := a.api.Exchange(ctx, args[0])
	if err != nil {
		return err
	}
	if err := client.SaveSession(a.sessionPath, s); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "logged in until %s\n", s.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

func (a *app) logout() error {
	if err := client.ClearSession(a.sessionPath); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sortBy := fs.String("sort", string(board.SortRecent), "recent or oldest")
	search := fs.String("search", "", "filter by title")
	if _, err := parseInterspersed(fs, args); err != nil {
		return usageError{err.Error()}
	}
	key, err := board.ParseSortKey(*sortBy)
	if err != nil {
		return usageError{err.Error()}
	}

	s, err := a.session()
	if err != nil {
		return err
	}
	tasks, err := a.api.ListTasks(ctx, s)
	if err != nil {
		return err
	}
	renderBoard(a.out, board.View(tasks, *search, key))
	return nil
}

func (a *app) add(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	title := fs.String("title", "", "task title")
	desc := fs.String("desc", "", "description")
	status := fs.String("status", "", "todo, in-progress or done")
	rest, err := parseInterspersed(fs, args)
	if err != nil {
		return usageError{err.Error()}
	}
	if *title == "" && len(rest) > 0 {
		*title = strings.Join(rest, " ")
	}

	in := task.CreateInput{Title: *title}
	visited(fs, "desc", func() { in.Description = desc })
	visited(fs, "status", func() { in.Status = status })

	s, err := a.session()
	if err != nil {
		return err
	}
	t, err := a.api.CreateTask(ctx, s, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "created #%d %s [%s]\n", t.ID, t.Title, t.Status)
	return nil
}

func (a *app) edit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	title := fs.String("title", "", "task title")
	desc := fs.String("desc", "", "description")
	status := fs.String("status", "", "todo, in-progress or done")
	rest, err := parseInterspersed(fs, args)
	if err != nil {
		return usageError{err.Error()}
	}
	id, err := taskID(rest)
	if err != nil {
		return err
	}

	var in task.UpdateInput
	visited(fs, "title", func() { in.Title = title })
	visited(fs, "desc", func() { in.Description = desc })
	visited(fs, "status", func() { in.Status = status })

	s, err := a.session()
	if err != nil {
		return err
	}
	t, err := a.api.UpdateTask(ctx, s, id, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "updated #%d %s [%s]\n", t.ID, t.Title, t.Status)
	return nil
}

func (a *app) remove(ctx context.Context, args []string) error {
	id, err := taskID(args)
	if err != nil {
		return err
	}
	s, err := a.session()
	if err != nil {
		return err
	}
	if err := a.api.DeleteTask(ctx, s, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deleted #%d\n", id)
	return nil
}

// session loads the stored session; an expired one is reported before any
// request is sent.
func (a *app) session() (*client.Session, error) {
	s, err := client.LoadSession(a.sessionPath)
	if err != nil {
		return nil, err
	}
	if s.Token == "" {
		return nil, fmt.Errorf("%w: not logged in", apperr.ErrUnauthenticated)
	}
	if !s.Valid(a.now()) {
		return nil, apperr.ErrTokenExpired
	}
	return s, nil
}

func (a *app) promptPassword() (string, error) {
	if a.inFd >= 0 && isTerminal(a.inFd) {
		fmt.Fprint(a.out, "Password: ")
		pw, err := readPassword(a.inFd)
		fmt.Fprintln(a.out)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func renderBoard(w io.Writer, cols []board.Column) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, col := range cols {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "%s (%d)\n", strings.ToUpper(string(col.Status)), len(col.Tasks))
		for _, t := range col.Tasks {
			fmt.Fprintf(tw, "  #%d\t%s\t%s\n", t.ID, t.Title, t.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
	}
	_ = tw.Flush()
}

// parseInterspersed allows flags after positional arguments.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func visited(fs *flag.FlagSet, name string, fn func()) {
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			fn()
		}
	})
}

func taskID(args []string) (uint, error) {
	if len(args) != 1 {
		return 0, usageError{"expected task ID"}
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id == 0 {
		return 0, usageError{fmt.Sprintf("invalid task ID %q", args[0])}
	}
	return uint(id), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".taskboard", "session.json")
	}
	return filepath.Join(dir, "taskboard", "session.json")
}
