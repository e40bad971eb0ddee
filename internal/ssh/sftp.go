package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path via SFTP, creating the
// remote directory first.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) (int64, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	return push(ctx, sf, localPath, remotePath)
}

func push(ctx context.Context, sf *sftp.Client, localPath, remotePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create remote: %w", err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		_ = dst.Close()
		return n, fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return n, fmt.Errorf("close remote: %w", err)
	}
	return n, nil
}
