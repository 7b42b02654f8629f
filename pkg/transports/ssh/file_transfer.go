package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// UploadContent writes content to remotePath over SFTP, creating parent
// directories as needed, and applies mode when it is non-zero.
func (c *SSHClient) UploadContent(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	startTime := time.Now()

	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int("bytes", len(content)).
		Msg("uploading content")

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{
				Op:       "upload",
				Err:      fmt.Errorf("failed to create remote directory: %w", err),
				ExitCode: -1,
			}
		}
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			ExitCode:    -1,
			IsTemporary: true,
		}
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to write remote file: %w", err),
			ExitCode:    -1,
			IsTemporary: true,
		}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			return &TransportError{
				Op:       "upload",
				Err:      fmt.Errorf("failed to set file permissions: %w", err),
				ExitCode: -1,
			}
		}
	}

	log.Info().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("content uploaded")

	return nil
}

func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient("sftp")
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			ExitCode:    -1,
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// copyWithContext copies src to dst in 32KB chunks, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
