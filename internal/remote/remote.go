// Package remote pushes run artifacts to a lab file server over SSH/SFTP
// with strict host key checking and checksum verification.
package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bioflow-dev/bioflow/internal/artifact"
)

// Client holds the connection parameters for a remote artifact target.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
}

// LoadSigner reads an OpenSSH/PEM private key file without a passphrase.
func LoadSigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// LoadKnownHostsCallback returns a strict host key callback for the file,
// creating it empty when missing.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(""), 0o600); err != nil {
			return nil, fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return knownhosts.New(path)
}

func (c *Client) config() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, fmt.Errorf("remote: signer required")
	}
	if c.KnownHosts == nil {
		return nil, fmt.Errorf("remote: known hosts callback required")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         timeout,
	}, nil
}

// dial opens the SSH connection, honoring ctx cancellation.
func (c *Client) dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// Push uploads local files into remoteDir, verifying each upload against
// the local sha256. A failed verification removes the remote copy.
func (c *Client) Push(ctx context.Context, localPaths []string, remoteDir string) error {
	cli, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer cli.Close()

	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if err := sf.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}

	for _, local := range localPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		remote := path(remoteDir, filepath.Base(local))
		if err := c.pushOne(cli, sf, local, remote); err != nil {
			return fmt.Errorf("push %s: %w", local, err)
		}
		log.Info().Str("local", local).Str("remote", remote).Msg("artifact pushed")
	}
	return nil
}

func (c *Client) pushOne(cli *xssh.Client, sf *sftp.Client, local, remote string) error {
	want, err := artifact.Checksum(local)
	if err != nil {
		return fmt.Errorf("local checksum: %w", err)
	}

	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()

	dst, err := sf.Create(remote)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}

	if err := c.verify(cli, remote, want); err != nil {
		_ = sf.Remove(remote)
		return err
	}
	return nil
}

// verify compares the remote sha256 with the expected local checksum.
func (c *Client) verify(cli *xssh.Client, remote, want string) error {
	session, err := cli.NewSession()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(fmt.Sprintf("sha256sum %s | cut -d' ' -f1", remote))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got := strings.TrimSpace(string(out))
	if got != want {
		return fmt.Errorf("checksum mismatch: want %s, got %s", want, got)
	}
	return nil
}

// path joins with forward slashes regardless of the local OS.
func path(dir, name string) string {
	return strings.TrimRight(dir, "/") + "/" + name
}
