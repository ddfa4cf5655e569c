package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	execute "github.com/alexellis/go-execute/v2"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

var (
	foundPattern = regexp.MustCompile(`(?i):\s*(.+)\s+FOUND$`)
	okPattern    = regexp.MustCompile(`(?i):\s*OK$`)
	errorPattern = regexp.MustCompile(`(?i):\s*(.+)\s+ERROR$`)
	// clamscan prints one line per file; the verdict may not be the last line.
	foundLinePattern = regexp.MustCompile(`(?im):\s*(.+?)\s+FOUND\s*$`)

	clamscanPaths = []string{"/usr/bin/clamscan", "/usr/local/bin/clamscan", "/opt/clamav/bin/clamscan"}
)

// ClamAVConfig configures the ClamAV scanner. The daemon socket is tried
// first (unix, then tcp); clamscan is the fallback.
type ClamAVConfig struct {
	SocketPath string
	Host       string
	Port       int
	// ClamscanPath is looked up on well-known paths and $PATH when empty.
	ClamscanPath string
	Timeout      time.Duration
}

// ClamAV talks to clamd over its line protocol or runs clamscan.
type ClamAV struct {
	cfg    ClamAVConfig
	logger logging.Logger
}

var _ Scanner = (*ClamAV)(nil)

// NewClamAV builds the scanner. Timeout defaults to 30s.
func NewClamAV(cfg ClamAVConfig, logger logging.Logger) *ClamAV {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ClamscanPath == "" {
		cfg.ClamscanPath = findClamscan()
	}
	return &ClamAV{cfg: cfg, logger: logging.OrNop(logger)}
}

func findClamscan() string {
	for _, p := range clamscanPaths {
		if isExecutable(p) {
			return p
		}
	}
	if p, err := exec.LookPath("clamscan"); err == nil {
		return p
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

func (c *ClamAV) hasSocket() bool {
	return c.cfg.SocketPath != "" || (c.cfg.Host != "" && c.cfg.Port > 0)
}

// Scan implements Scanner.
func (c *ClamAV) Scan(ctx context.Context, path string) *Outcome {
	start := time.Now()
	out := c.scan(ctx, path)
	out.Elapsed = time.Since(start)
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata["scan_time"] = out.Elapsed.Seconds()
	c.logger.Log(logging.LevelDebug, "scan finished", "path", path, "status", out.Status, "elapsed", out.Elapsed)
	return out
}

func (c *ClamAV) scan(ctx context.Context, path string) *Outcome {
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Failed(path, "file not found")
	case err != nil:
		return Failed(path, "file is not readable")
	}
	f.Close()

	if c.hasSocket() {
		resp, err := c.command(ctx, "SCAN "+path)
		if err == nil {
			c.logger.Log(logging.LevelDebug, "clamd response", "response", resp)
			out := parseResponse(path, resp)
			out.Metadata = map[string]any{"transport": "socket"}
			return out
		}
		c.logger.Log(logging.LevelError, "failed to connect to clamd", "error", err)
	}
	if c.cfg.ClamscanPath != "" {
		out := c.scanCommand(ctx, path)
		out.Metadata = map[string]any{"transport": "command"}
		return out
	}
	return Failed(path, "no scanner available")
}

func parseResponse(path, resp string) *Outcome {
	resp = strings.TrimSpace(strings.TrimRight(resp, "\x00"))
	if m := foundPattern.FindStringSubmatch(resp); m != nil {
		return Infected(path, strings.TrimSpace(m[1]))
	}
	if okPattern.MatchString(resp) {
		return Clean(path)
	}
	if m := errorPattern.FindStringSubmatch(resp); m != nil {
		return Failed(path, strings.TrimSpace(m[1]))
	}
	return Failed(path, "unknown response: "+resp)
}

func (c *ClamAV) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.Timeout}
	var errs []error
	if c.cfg.SocketPath != "" {
		conn, err := d.DialContext(ctx, "unix", c.cfg.SocketPath)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	if c.cfg.Host != "" && c.cfg.Port > 0 {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port)))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// command sends one newline-terminated command and reads until clamd closes
// the connection.
func (c *ClamAV) command(ctx context.Context, cmd string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return "", fmt.Errorf("set clamd deadline: %w", err)
	}
	if _, err := io.WriteString(conn, cmd+"\n"); err != nil {
		return "", fmt.Errorf("write clamd command: %w", err)
	}
	resp, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil && len(resp) == 0 {
		return "", fmt.Errorf("read clamd response: %w", err)
	}
	return string(resp), nil
}

func (c *ClamAV) scanCommand(ctx context.Context, path string) *Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	task := execute.ExecTask{
		Command:     c.cfg.ClamscanPath,
		Args:        []string{"--no-summary", path},
		StreamStdio: false,
	}
	res, err := task.Execute(ctx)
	output := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
	c.logger.Log(logging.LevelDebug, "clamscan finished", "output", output, "exit_code", res.ExitCode)
	if err != nil && res.ExitCode == 0 {
		return Failed(path, fmt.Sprintf("run clamscan: %v", err))
	}

	switch res.ExitCode {
	case 0:
		return Clean(path)
	case 1:
		if m := foundLinePattern.FindStringSubmatch(output); m != nil {
			return Infected(path, strings.TrimSpace(m[1]))
		}
		return Infected(path, "Unknown virus")
	default:
		if output == "" {
			output = "scan failed"
		}
		return Failed(path, output)
	}
}

// IsAvailable implements Scanner.
func (c *ClamAV) IsAvailable(ctx context.Context) bool {
	if c.cfg.SocketPath != "" {
		if _, err := os.Stat(c.cfg.SocketPath); err == nil {
			return true
		}
	}
	if c.cfg.Host != "" && c.cfg.Port > 0 {
		d := net.Dialer{Timeout: time.Second}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port)))
		if err == nil {
			conn.Close()
			return true
		}
	}
	return c.cfg.ClamscanPath != "" && isExecutable(c.cfg.ClamscanPath)
}

// Version asks clamd, then clamscan, for the engine version.
func (c *ClamAV) Version(ctx context.Context) string {
	if c.hasSocket() {
		if v, err := c.command(ctx, "VERSION"); err == nil && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(strings.TrimRight(v, "\x00"))
		}
	}
	if c.cfg.ClamscanPath != "" && isExecutable(c.cfg.ClamscanPath) {
		task := execute.ExecTask{Command: c.cfg.ClamscanPath, Args: []string{"--version"}}
		res, err := task.Execute(ctx)
		if err == nil {
			if line, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n"); line != "" {
				return strings.TrimSpace(line)
			}
		}
	}
	return "ClamAV (version unknown)"
}
