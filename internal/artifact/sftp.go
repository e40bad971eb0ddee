package artifact

import (
	"context"
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/3cpo-dev/nanorun/internal/config"
	gssh "github.com/3cpo-dev/nanorun/internal/ssh"
)

// SFTPPublisher copies reports to a directory on a remote host. Host keys are
// checked against known_hosts; unknown hosts are refused.
type SFTPPublisher struct {
	cfg config.SFTPConfig
}

func NewSFTPPublisher(cfg config.SFTPConfig) (*SFTPPublisher, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sftp config: host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("sftp config: user is required")
	}
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("sftp config: key_path is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SFTPPublisher{cfg: cfg}, nil
}

func (p *SFTPPublisher) Name() string { return "sftp" }

func (p *SFTPPublisher) Addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// RemotePath is where localPath lands on the remote host.
func (p *SFTPPublisher) RemotePath(localPath string) string {
	dir := p.cfg.RemoteDir
	if dir == "" {
		dir = "."
	}
	return path.Join(dir, filepath.Base(localPath))
}

func (p *SFTPPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	signer, err := gssh.LoadPrivateKeySigner(p.cfg.KeyPath)
	if err != nil {
		return "", err
	}
	hostKeys, err := gssh.LoadKnownHostsCallback(p.cfg.KnownHosts)
	if err != nil {
		return "", err
	}
	cli, err := gssh.Dial(ctx, &gssh.Client{
		Addr:       p.Addr(),
		User:       p.cfg.User,
		Signer:     signer,
		KnownHosts: hostKeys,
		Timeout:    15 * time.Second,
		Retries:    2,
	})
	if err != nil {
		return "", err
	}
	defer cli.Close()

	remote := p.RemotePath(localPath)
	if _, err := gssh.PushFile(ctx, cli, localPath, remote); err != nil {
		return "", fmt.Errorf("push %s: %w", remote, err)
	}
	return fmt.Sprintf("sftp://%s@%s/%s", p.cfg.User, p.Addr(), remote), nil
}

// Publishers builds every publisher enabled in the config file section.
func Publishers(cfg config.PublishConfig) ([]Publisher, error) {
	var out []Publisher
	if cfg.MinIO.Enabled() {
		p, err := NewMinIOPublisher(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if cfg.SFTP.Enabled() {
		p, err := NewSFTPPublisher(cfg.SFTP)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
