package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mbox-to-eml/mbox"
	"github.com/dhcgn/mbox-to-eml/model"
	"github.com/dhcgn/mbox-to-eml/stats"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// EmitFunc receives the outcome of every upload.
type EmitFunc func(stats.Event)

// Uploader appends exported messages to an IMAP folder.
type Uploader struct {
	opts   Options
	logger *slog.Logger
}

func NewUploader(opts Options, logger *slog.Logger) (*Uploader, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("imap port must be between 1 and 65535")
	}
	return &Uploader{opts: opts, logger: logger}, nil
}

// Upload appends files in order over a single connection. The first failure
// stops the upload. In dry-run mode no connection is made.
func (u *Uploader) Upload(ctx context.Context, files []model.File, emit EmitFunc) error {
	if emit == nil {
		emit = func(stats.Event) {}
	}

	var (
		client  *imapclient.Client
		cleanup func()
	)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(f.Data) == 0 {
			err := fmt.Errorf("%s: %w", f.Name, ErrEmptyMessage)
			emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Name: f.Name, Err: err})
			if u.logger != nil {
				u.logger.Warn("skipping empty message", "name", f.Name)
			}
			continue
		}

		if u.opts.DryRun {
			emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDryRunUpload, Container: f.Container, Index: f.Index, Name: f.Name})
			if u.logger != nil {
				u.logger.Debug("dry-run upload", "name", f.Name, "target", u.targetFolder(), "bytes", len(f.Data))
			}
			continue
		}

		if client == nil {
			var err error
			client, cleanup, err = u.dial(ctx)
			if err != nil {
				emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Name: f.Name, Err: err})
				return err
			}
		}

		if err := u.appendMessage(client, f); err != nil {
			err = fmt.Errorf("upload message %s: %w", f.Name, err)
			emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Name: f.Name, Err: err})
			return err
		}

		emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeUploaded, Container: f.Container, Index: f.Index, Name: f.Name})
		if u.logger != nil {
			u.logger.Debug("uploaded message", "name", f.Name, "target", u.targetFolder())
		}
	}

	return nil
}

func (u *Uploader) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	client, err := u.connect()
	if err != nil {
		return nil, nil, err
	}

	if err := client.Login(u.opts.Username, u.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := u.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	u.logMailboxSize(client)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if u.logger != nil {
					u.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && u.logger != nil {
			u.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (u *Uploader) connect() (*imapclient.Client, error) {
	address := net.JoinHostPort(u.opts.Host, strconv.Itoa(u.opts.Port))

	var (
		client *imapclient.Client
		err    error
	)
	if u.opts.UseTLS {
		client, err = imapclient.DialTLS(address, &imapclient.Options{
			TLSConfig: &tls.Config{
				ServerName:         u.opts.Host,
				InsecureSkipVerify: u.opts.InsecureSkipVerify,
			},
		})
	} else {
		client, err = imapclient.DialInsecure(address, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if u.logger != nil {
		u.logger.Debug("imap connection established", "address", address, "user", u.opts.Username, "tls", u.opts.UseTLS)
	}
	return client, nil
}

// logMailboxSize reports how many messages the target folder holds before
// the upload starts.
func (u *Uploader) logMailboxSize(client *imapclient.Client) {
	if u.logger == nil {
		return
	}
	data, err := client.Status(u.targetFolder(), &imapv2.StatusOptions{NumMessages: true}).Wait()
	if err != nil {
		u.logger.Debug("imap status failed", "mailbox", u.targetFolder(), "err", err)
		return
	}
	if data.NumMessages != nil {
		u.logger.Info("imap target mailbox", "mailbox", u.targetFolder(), "messages", *data.NumMessages)
	}
}

func (u *Uploader) appendMessage(client *imapclient.Client, f model.File) error {
	target := u.targetFolder()
	size := int64(len(f.Data))

	var opts *imapv2.AppendOptions
	if t := ReceivedAt(f.Data); !t.IsZero() {
		opts = &imapv2.AppendOptions{Time: t}
	}

	cmd := client.Append(target, size, opts)

	remaining := f.Data
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

// ReceivedAt returns the message's Date header, or the zero time when it is
// missing or unparsable.
func ReceivedAt(raw []byte) time.Time {
	h, _ := mbox.Header(raw)
	t, err := h.Date()
	if err != nil {
		return time.Time{}
	}
	return t
}

func (u *Uploader) targetFolder() string {
	if u.opts.TargetFolder == "" {
		return "INBOX"
	}
	return u.opts.TargetFolder
}

func (u *Uploader) ensureMailbox(client *imapclient.Client) error {
	target := u.targetFolder()
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if u.logger != nil {
					u.logger.Debug("imap mailbox already exists", "mailbox", target)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if u.logger != nil {
		u.logger.Info("imap mailbox created", "mailbox", target)
	}

	return nil
}
