// Package media validates uploads and streams them into the blob store.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"pairchat/internal/chatkey"
	"pairchat/internal/filestore"
	"pairchat/internal/metrics"
	"pairchat/internal/models"
	"pairchat/internal/storage"
)

const (
	DefaultMaxUploadBytes = 25 << 20
	DefaultURLPrefix      = "/files/"

	// Enough for every signature filetype knows about.
	sniffLen = 512
)

type MetadataStore interface {
	UpsertFileMetadata(ctx context.Context, meta storage.FileMetadata) error
}

// File is an upload as received from the client. Size is the declared
// size; the stream is cut off if it turns out longer.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Reader      io.Reader
}

type Config struct {
	Files     filestore.FileStore
	Metadata  MetadataStore
	MaxBytes  int64
	URLPrefix string
	Metrics   *metrics.Metrics
}

type Ingest struct {
	files     filestore.FileStore
	metadata  MetadataStore
	maxBytes  int64
	urlPrefix string
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(config Config) *Ingest {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxUploadBytes
	}
	if config.URLPrefix == "" {
		config.URLPrefix = DefaultURLPrefix
	}
	return &Ingest{
		files:     config.Files,
		metadata:  config.Metadata,
		maxBytes:  config.MaxBytes,
		urlPrefix: config.URLPrefix,
		metrics:   config.Metrics,
		now:       time.Now,
	}
}

func (in *Ingest) MaxBytes() int64 {
	return in.maxBytes
}

// Upload stores file for the conversation of senderID and receiverID and
// returns a reference that can be sent as a media message. onProgress,
// when set, receives the transferred fraction in [0,1].
func (in *Ingest) Upload(ctx context.Context, file File, senderID, receiverID string, onProgress func(float64)) (ref models.MediaRef, err error) {
	defer func() {
		var uerr *UploadError
		switch {
		case err == nil:
			in.metrics.Upload("ok")
		case errors.As(err, &uerr):
			in.metrics.Upload(string(uerr.Cause))
		}
	}()

	if !chatkey.Valid(senderID) || !chatkey.Valid(receiverID) || senderID == receiverID {
		return models.MediaRef{}, &UploadError{Cause: CauseUnauthorized, Err: models.ErrInvalidParticipants}
	}
	if file.Size > in.maxBytes {
		return models.MediaRef{}, &UploadError{Cause: CauseQuotaExceeded, Err: fmt.Errorf("%d bytes over the %d byte limit", file.Size, in.maxBytes)}
	}
	if file.Size == 0 || file.Reader == nil {
		return models.MediaRef{}, &UploadError{Cause: CauseInvalidFormat, Err: errors.New("empty file")}
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file.Reader, head)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		head = head[:n]
	case err != nil:
		return models.MediaRef{}, classify(ctx, err)
	}
	if len(head) == 0 {
		return models.MediaRef{}, &UploadError{Cause: CauseInvalidFormat, Err: errors.New("empty file")}
	}

	kind, mime, err := detectKind(head, file.ContentType)
	if err != nil {
		return models.MediaRef{}, &UploadError{Cause: CauseInvalidFormat, Err: err}
	}

	convID := chatkey.Key(senderID, receiverID)
	name := cleanName(file.Name)
	blobPath := path.Join("conversations", convID, uuid.NewString()+"_"+name)

	body := &progressReader{
		ctx:   ctx,
		r:     io.MultiReader(bytes.NewReader(head), file.Reader),
		limit: in.maxBytes,
		total: file.Size,
		fn:    onProgress,
	}
	onProgress(0)
	written, err := in.files.Save(body, blobPath)
	if err != nil {
		if body.overflow {
			return models.MediaRef{}, &UploadError{Cause: CauseQuotaExceeded, Err: err}
		}
		return models.MediaRef{}, classify(ctx, err)
	}
	onProgress(1)

	err = in.metadata.UpsertFileMetadata(ctx, storage.FileMetadata{
		ID:             blobPath,
		Name:           name,
		MimeType:       mime,
		Kind:           string(kind),
		Size:           written,
		CreatedAt:      in.now().Unix(),
		UserID:         senderID,
		ConversationID: convID,
	})
	if err != nil {
		if derr := in.files.Delete(blobPath); derr != nil {
			slog.Warn("failed to remove orphaned blob", "path", blobPath, "error", derr)
		}
		return models.MediaRef{}, classify(ctx, err)
	}

	return models.MediaRef{
		URL:      in.urlPrefix + blobPath,
		Path:     blobPath,
		FileName: name,
		FileSize: written,
		Kind:     kind,
	}, nil
}

// detectKind sniffs the coarse kind from the first bytes. A declared
// image or video type the bytes do not back up is rejected.
func detectKind(head []byte, declared string) (models.MessageKind, string, error) {
	declared = strings.ToLower(strings.TrimSpace(declared))

	var kind models.MessageKind
	switch {
	case filetype.IsImage(head):
		kind = models.MessageKindImage
	case filetype.IsVideo(head):
		kind = models.MessageKindVideo
	default:
		kind = models.MessageKindFile
	}

	switch {
	case strings.HasPrefix(declared, "image/") && kind != models.MessageKindImage:
		return "", "", fmt.Errorf("declared %s but content is not an image", declared)
	case strings.HasPrefix(declared, "video/") && kind != models.MessageKindVideo:
		return "", "", fmt.Errorf("declared %s but content is not a video", declared)
	}

	mime := "application/octet-stream"
	if t, err := filetype.Match(head); err == nil && t != filetype.Unknown {
		mime = t.MIME.Value
	} else if declared != "" {
		mime = declared
	}
	return kind, mime, nil
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "file"
	}
	return name
}

func classify(ctx context.Context, err error) *UploadError {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return &UploadError{Cause: CauseCanceled, Err: err}
	case errors.Is(err, models.ErrPermissionDenied):
		return &UploadError{Cause: CauseUnauthorized, Err: err}
	default:
		return &UploadError{Cause: CauseOther, Err: err}
	}
}
