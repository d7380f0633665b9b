package nonce

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type RedisGuardConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
	MaxAge   time.Duration
}

// RedisGuard is a replay cache shared across controller processes. Each
// consumed nonce becomes a SET NX key with a server-side TTL equal to the
// maximum signature age, which makes the check-and-insert atomic on the
// Redis side and the sweep unnecessary.
type RedisGuard struct {
	cfg RedisGuardConfig
}

func NewRedisGuard(cfg RedisGuardConfig) *RedisGuard {
	if cfg.Prefix == "" {
		cfg.Prefix = "dispatch:nonce"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = MaxAge
	}
	return &RedisGuard{cfg: cfg}
}

func (g *RedisGuard) Consume(ctx context.Context, taskID, nonce string) (bool, error) {
	conn, rw, err := g.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ttlMillis := strconv.FormatInt(g.cfg.MaxAge.Milliseconds(), 10)
	if err := writeRESP(rw, "SET", g.cfg.Prefix+":"+key(taskID, nonce), "1", "NX", "PX", ttlMillis); err != nil {
		return false, err
	}
	reply, err := readRESP(rw)
	if err != nil {
		return false, err
	}
	// SET NX returns +OK on first insert and a nil bulk reply on repeat.
	return reply != nil, nil
}

func (g *RedisGuard) Sweep(_ context.Context, _ time.Time) (int, error) {
	// Redis expires entries itself via PX.
	return 0, nil
}

func (g *RedisGuard) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: g.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", g.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if g.cfg.Password != "" {
		if err := writeRESP(rw, "AUTH", g.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if g.cfg.DB > 0 {
		if err := writeRESP(rw, "SELECT", strconv.Itoa(g.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			if v == nil {
				arr = append(arr, "")
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("unexpected redis array element")
			}
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}
