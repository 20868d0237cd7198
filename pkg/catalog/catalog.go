// Package catalog implements the read-only camera-descriptor lookup that
// §6 calls out as an external collaborator: "camera_id -> {rtsp_url,
// username, password}". The core only requires a synchronous-looking
// accessor; this package provides a JSON-file-backed one suitable for the
// reference deployment, standing in for whatever real catalog service a
// host wires in.
package catalog

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

// CameraDescriptor is the opaque, read-only record the core consumes.
// The core never mutates it (§3 "Camera descriptor").
type CameraDescriptor struct {
	CameraID        string `json:"camera_id"`
	RTSPURLTemplate string `json:"rtsp_url_template"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	CodecHint       string `json:"codec_hint"`
}

// Catalog is the interface the core depends on.
type Catalog interface {
	Lookup(cameraID string) (*CameraDescriptor, error)
}

// FileCatalog loads descriptors from a JSON file once at construction and
// serves lookups from memory, refreshable via Reload.
type FileCatalog struct {
	path string

	mu        sync.RWMutex
	cameras   map[string]*CameraDescriptor
}

// NewFileCatalog loads camera descriptors from a JSON file shaped as
// {"cameras": [ {...CameraDescriptor...}, ... ]}.
func NewFileCatalog(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file from disk.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog file: %w", err)
	}

	var doc struct {
		Cameras []*CameraDescriptor `json:"cameras"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse catalog file: %w", err)
	}

	cameras := make(map[string]*CameraDescriptor, len(doc.Cameras))
	for _, cam := range doc.Cameras {
		cameras[cam.CameraID] = cam
	}

	c.mu.Lock()
	c.cameras = cameras
	c.mu.Unlock()
	return nil
}

// Lookup returns the camera descriptor for cameraID, or CameraNotFound.
func (c *FileCatalog) Lookup(cameraID string) (*CameraDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cam, ok := c.cameras[cameraID]
	if !ok {
		return nil, vmserrors.New(vmserrors.CameraNotFound, fmt.Sprintf("camera %q not found", cameraID))
	}
	return cam, nil
}

// BuildRTSPURL substitutes percent-encoded credentials into the
// descriptor's URL template, per §3: "Credentials must be URL-escaped
// before substitution into the RTSP URL (reserved characters @:/?# must
// be percent-encoded)". This mirrors original_source's
// percent_encoding::utf8_percent_encode(NON_ALPHANUMERIC) treatment of the
// username/password components before building the authenticated
// rtsp:// URL.
func BuildRTSPURL(desc *CameraDescriptor) (string, error) {
	u, err := url.Parse(desc.RTSPURLTemplate)
	if err != nil {
		return "", fmt.Errorf("parse rtsp url template: %w", err)
	}
	if desc.Username != "" {
		u.User = url.UserPassword(desc.Username, desc.Password)
	}
	return u.String(), nil
}

// SanitizeForLog returns a copy of the URL with credentials masked, for
// safe inclusion in log lines.
func SanitizeForLog(rtspURL string) string {
	u, err := url.Parse(rtspURL)
	if err != nil {
		return "<unparseable rtsp url>"
	}
	if u.User != nil {
		// url.UserPassword would percent-encode the mask, so the
		// masked userinfo is spliced in after the scheme by hand.
		u.User = nil
		return u.Scheme + "://***:***@" + strings.TrimPrefix(u.String(), u.Scheme+"://")
	}
	return u.String()
}
