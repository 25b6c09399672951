package offline0

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"offline0/internal/kvstore"
)

const (
	shareCollection = "pending-shares"
	maxFieldBytes   = 64 << 10
)

var errFieldTooLarge = errors.New("share field exceeds size limit")

// SharedFile is one retained attachment, stored as received.
type SharedFile struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Data     []byte `json:"data"`
}

// ShareRecord is an inbound share waiting for the page to pick it up.
type ShareRecord struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Text       string       `json:"text"`
	URL        string       `json:"url"`
	HasMedia   bool         `json:"hasMedia"`
	MediaTypes []string     `json:"mediaTypes"`
	Files      []SharedFile `json:"files"`
	FileCount  int          `json:"fileCount"`
	Timestamp  int64        `json:"timestamp"`
}

func (s *Service) shares() *kvstore.Collection {
	return s.store.Collection(shareCollection)
}

// mediaKind classifies a MIME type by its major type.
func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	}
	return "file"
}

// readShare streams a multipart share submission. Empty files and files
// larger than the configured maximum are skipped; an oversized text field
// fails the whole submission.
func (s *Service) readShare(r *http.Request) (ShareRecord, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return ShareRecord{}, err
	}
	limit := s.cfg.MaxFileSize()
	rec := ShareRecord{MediaTypes: []string{}, Files: []SharedFile{}}
	seen := map[string]bool{}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ShareRecord{}, fmt.Errorf("read part: %w", err)
		}

		switch part.FormName() {
		case "title", "text", "url":
			b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil {
				return ShareRecord{}, fmt.Errorf("read %s: %w", part.FormName(), err)
			}
			if len(b) > maxFieldBytes {
				return ShareRecord{}, fmt.Errorf("%s: %w", part.FormName(), errFieldTooLarge)
			}
			switch part.FormName() {
			case "title":
				rec.Title = string(b)
			case "text":
				rec.Text = string(b)
			case "url":
				rec.URL = string(b)
			}
		case "media":
			data, err := io.ReadAll(io.LimitReader(part, limit+1))
			if err != nil {
				return ShareRecord{}, fmt.Errorf("read media: %w", err)
			}
			if int64(len(data)) > limit {
				s.log.Info().Str("file", part.FileName()).Msg("shared file exceeds size limit, skipped")
				if _, err := io.Copy(io.Discard, part); err != nil {
					return ShareRecord{}, fmt.Errorf("skip media: %w", err)
				}
				break
			}
			if len(data) == 0 {
				break
			}
			mimeType := part.Header.Get("Content-Type")
			if kind := mediaKind(mimeType); !seen[kind] {
				seen[kind] = true
				rec.MediaTypes = append(rec.MediaTypes, kind)
			}
			rec.Files = append(rec.Files, SharedFile{
				FileName: part.FileName(),
				MimeType: mimeType,
				Size:     int64(len(data)),
				Data:     data,
			})
		default:
			if _, err := io.Copy(io.Discard, part); err != nil {
				return ShareRecord{}, err
			}
		}
		part.Close()
	}

	rec.FileCount = len(rec.Files)
	rec.HasMedia = rec.FileCount > 0
	return rec, nil
}

// IngestShare reads and persists a share submission as one record. On any
// error nothing is stored.
func (s *Service) IngestShare(r *http.Request) (ShareRecord, error) {
	rec, err := s.readShare(r)
	if err != nil {
		return ShareRecord{}, err
	}
	rec.ID = "share_" + uuid.NewString()
	rec.Timestamp = time.Now().UnixMilli()
	if err := s.shares().Put(rec.ID, rec); err != nil {
		return ShareRecord{}, fmt.Errorf("store share: %w", err)
	}
	return rec, nil
}

func (s *Service) handleShare(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize())
	rec, err := s.IngestShare(r)
	if err != nil {
		s.metrics.shares.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("share ingestion failed")
		http.Redirect(w, r, s.cfg.Share.Redirect+"?error=true", http.StatusSeeOther)
		return
	}
	s.metrics.shares.WithLabelValues("stored").Inc()
	s.log.Info().Str("shareId", rec.ID).Int("files", rec.FileCount).Msg("share stored")
	http.Redirect(w, r, s.cfg.Share.Redirect+"?shareId="+url.QueryEscape(rec.ID), http.StatusSeeOther)
}

// Share returns a stored share record.
func (s *Service) Share(id string) (ShareRecord, error) {
	var rec ShareRecord
	if err := s.shares().Get(id, &rec); err != nil {
		return ShareRecord{}, err
	}
	// gob drops empty slices
	if rec.MediaTypes == nil {
		rec.MediaTypes = []string{}
	}
	if rec.Files == nil {
		rec.Files = []SharedFile{}
	}
	return rec, nil
}

// ClearShare removes a share record once the page has consumed it. An
// unknown id yields kvstore.ErrNotFound.
func (s *Service) ClearShare(id string) error {
	ok, err := s.shares().Has(id)
	if err != nil {
		return err
	}
	if !ok {
		return kvstore.ErrNotFound
	}
	return s.shares().Delete(id)
}

func (s *Service) handleGetShare(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Share(chi.URLParam(r, "id"))
	if errors.Is(err, kvstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "share not found"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("read share")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read share"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	err := s.ClearShare(chi.URLParam(r, "id"))
	if errors.Is(err, kvstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "share not found"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("clear share")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "clear share"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
