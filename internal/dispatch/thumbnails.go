package dispatch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	"go.uber.org/zap"
)

const maxThumbnailBytes = 16 << 20

var extensionPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,4}$`)

var (
	errMissingThumbnailDirectory = errors.New("thumbnail directory is required")
	// ErrInvalidThumbnailRequest indicates a request whose entity or field cannot name a
	// file under the thumbnail directory.
	ErrInvalidThumbnailRequest = errors.New("dispatch: invalid thumbnail request")
)

// ThumbnailRequest describes which image field of which record to download.
type ThumbnailRequest struct {
	URL        string
	EntityType string
	EntityID   int64
	Field      string
	LoadImage  bool
}

// ThumbnailResult is the completion payload of a thumbnail request.
// Image is empty when the field had no URL or LoadImage was false.
type ThumbnailResult struct {
	Path  string
	Image []byte
}

// ThumbnailLoader resolves thumbnail requests to local files and image bytes.
type ThumbnailLoader interface {
	Load(ctx context.Context, request ThumbnailRequest) (ThumbnailResult, error)
}

// HTTPThumbnailLoaderConfig configures an HTTPThumbnailLoader.
type HTTPThumbnailLoaderConfig struct {
	Directory  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPThumbnailLoader downloads thumbnails once and serves later requests from disk.
type HTTPThumbnailLoader struct {
	directory  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPThumbnailLoader validates cfg and returns a loader.
func NewHTTPThumbnailLoader(cfg HTTPThumbnailLoaderConfig) (*HTTPThumbnailLoader, error) {
	directory := strings.TrimSpace(cfg.Directory)
	if directory == "" {
		return nil, errMissingThumbnailDirectory
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPThumbnailLoader{directory: directory, httpClient: httpClient, logger: logger}, nil
}

// Load returns the cached file for request, downloading it first when missing.
func (l *HTTPThumbnailLoader) Load(ctx context.Context, request ThumbnailRequest) (ThumbnailResult, error) {
	if strings.TrimSpace(request.URL) == "" {
		return ThumbnailResult{}, nil
	}
	target, err := l.pathFor(request)
	if err != nil {
		return ThumbnailResult{}, err
	}

	image, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		image, err = l.download(ctx, request.URL, target)
	}
	if err != nil {
		return ThumbnailResult{}, err
	}

	result := ThumbnailResult{Path: target}
	if request.LoadImage {
		result.Image = image
	}
	return result, nil
}

func (l *HTTPThumbnailLoader) pathFor(request ThumbnailRequest) (string, error) {
	if !activity.ValidEntityType(request.EntityType) {
		return "", fmt.Errorf("%w: entity type %q", ErrInvalidThumbnailRequest, request.EntityType)
	}
	if request.EntityID <= 0 {
		return "", fmt.Errorf("%w: entity id %d", ErrInvalidThumbnailRequest, request.EntityID)
	}
	field := request.Field
	if field == "" {
		field = "image"
	}
	if !activity.ValidEntityType(field) {
		return "", fmt.Errorf("%w: field %q", ErrInvalidThumbnailRequest, field)
	}

	sum := sha1.Sum([]byte(request.URL))
	extension := ".jpg"
	if parsed, err := url.Parse(request.URL); err == nil {
		if candidate := path.Ext(parsed.Path); extensionPattern.MatchString(candidate) {
			extension = strings.ToLower(candidate)
		}
	}
	target := filepath.Join(
		l.directory,
		request.EntityType,
		strconv.FormatInt(request.EntityID, 10),
		field+"-"+hex.EncodeToString(sum[:])+extension,
	)

	relative, err := filepath.Rel(l.directory, target)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes thumbnail directory", ErrInvalidThumbnailRequest)
	}
	return target, nil
}

func (l *HTTPThumbnailLoader) download(ctx context.Context, source, target string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, source, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("dispatch: build thumbnail request: %w", err)
	}
	response, err := l.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("dispatch: download thumbnail: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatch: download thumbnail: unexpected status %d", response.StatusCode)
	}

	image, err := io.ReadAll(io.LimitReader(response.Body, maxThumbnailBytes))
	if err != nil {
		return nil, fmt.Errorf("dispatch: read thumbnail: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("dispatch: create thumbnail directory: %w", err)
	}
	temporary := target + ".part"
	if err := os.WriteFile(temporary, image, 0o644); err != nil {
		return nil, fmt.Errorf("dispatch: write thumbnail: %w", err)
	}
	if err := os.Rename(temporary, target); err != nil {
		return nil, fmt.Errorf("dispatch: store thumbnail: %w", err)
	}
	l.logger.Debug("thumbnail downloaded", zap.String("path", target), zap.Int("bytes", len(image)))
	return image, nil
}
