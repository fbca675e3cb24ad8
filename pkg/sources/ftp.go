package sources

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/runner"
)

// FTPOption configures the file-drop adapter.
type FTPOption func(*FTPAdapter)

// WithCredentials sets the FTP login. Defaults to anonymous.
func WithCredentials(user, password string) FTPOption {
	return func(a *FTPAdapter) {
		a.user = user
		a.password = password
	}
}

// WithMaxFileAge bounds how far back in the drop directory to look.
func WithMaxFileAge(d time.Duration) FTPOption {
	return func(a *FTPAdapter) {
		a.maxFileAge = d
	}
}

// WithMaxFiles caps how many files one attempt will retrieve.
func WithMaxFiles(n int) FTPOption {
	return func(a *FTPAdapter) {
		a.maxFiles = n
	}
}

// FTPAdapter handles file-drop sources: FTP directories where a source
// publishes content dumps. An attempt lists recent files and extracts
// entities from each.
type FTPAdapter struct {
	extractor   Extractor
	user        string
	password    string
	maxFileAge  time.Duration
	maxFiles    int
	dialTimeout time.Duration
	nowFunc     func() time.Time
}

func NewFTPAdapter(extractor Extractor, opts ...FTPOption) *FTPAdapter {
	a := &FTPAdapter{
		extractor:   extractor,
		user:        "anonymous",
		password:    "anonymous",
		maxFileAge:  7 * 24 * time.Hour,
		maxFiles:    10,
		dialTimeout: 15 * time.Second,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SearchAndExtract lists the source's drop directory and extracts entities
// from recent files. FTP offers no search, so the term only guides the
// extraction stage.
func (a *FTPAdapter) SearchAndExtract(ctx context.Context, src model.Source, term string) (runner.SearchResult, error) {
	endpoint, err := url.Parse(src.Endpoint)
	if err != nil {
		return runner.SearchResult{}, eris.Wrapf(err, "sources: parse endpoint for %s", src.ID)
	}
	addr := endpoint.Host
	if endpoint.Port() == "" {
		addr += ":21"
	}

	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(a.dialTimeout),
	)
	if err != nil {
		return runner.SearchResult{}, eris.Wrapf(err, "sources: dial %s", addr)
	}
	defer func() { _ = conn.Quit() }()

	if err := conn.Login(a.user, a.password); err != nil {
		return runner.SearchResult{}, eris.Wrapf(err, "sources: login to %s", src.ID)
	}

	dir := endpoint.Path
	if dir == "" {
		dir = "/"
	}
	entries, err := conn.List(dir)
	if err != nil {
		return runner.SearchResult{}, eris.Wrapf(err, "sources: list %s on %s", dir, src.ID)
	}

	cutoff := a.nowFunc().Add(-a.maxFileAge)
	var out runner.SearchResult
	var fetched int

	for _, entry := range entries {
		if fetched >= a.maxFiles {
			break
		}
		if entry.Type != ftp.EntryTypeFile || entry.Time.Before(cutoff) {
			continue
		}

		content, err := a.retrieve(conn, path.Join(dir, entry.Name))
		if err != nil {
			zap.L().Warn("sources: failed to retrieve drop file",
				zap.String("source_id", src.ID),
				zap.String("file", entry.Name),
				zap.Error(err),
			)
			continue
		}
		fetched++

		extraction, err := a.extractor.Extract(ctx, term, content)
		if err != nil {
			zap.L().Warn("sources: extraction failed for drop file",
				zap.String("source_id", src.ID),
				zap.String("file", entry.Name),
				zap.Error(err),
			)
			continue
		}
		out.NewItems += len(extraction.Items)
		out.NewRelationships += len(extraction.Relationships)
	}
	return out, nil
}

func (a *FTPAdapter) retrieve(conn *ftp.ServerConn, filePath string) (string, error) {
	resp, err := conn.Retr(filePath)
	if err != nil {
		return "", eris.Wrapf(err, "retr %s", filePath)
	}
	defer func() { _ = resp.Close() }()

	data, err := io.ReadAll(resp)
	if err != nil {
		return "", eris.Wrapf(err, "read %s", filePath)
	}
	return string(data), nil
}

// Router dispatches attempts to the adapter matching the source kind.
type Router struct {
	HTTP *HTTPAdapter
	FTP  *FTPAdapter
}

func NewRouter(httpAdapter *HTTPAdapter, ftpAdapter *FTPAdapter) *Router {
	return &Router{HTTP: httpAdapter, FTP: ftpAdapter}
}

func (r *Router) SearchAndExtract(ctx context.Context, src model.Source, term string) (runner.SearchResult, error) {
	switch src.Kind {
	case model.SourceKindFTP:
		if r.FTP == nil {
			return runner.SearchResult{}, eris.Errorf("sources: no ftp adapter configured for %s", src.ID)
		}
		return r.FTP.SearchAndExtract(ctx, src, term)
	case model.SourceKindHTTP, "":
		if r.HTTP == nil {
			return runner.SearchResult{}, eris.Errorf("sources: no http adapter configured for %s", src.ID)
		}
		return r.HTTP.SearchAndExtract(ctx, src, term)
	default:
		return runner.SearchResult{}, eris.Errorf("sources: unsupported source kind %q for %s", strings.ToLower(string(src.Kind)), src.ID)
	}
}
