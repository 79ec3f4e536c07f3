package tokens

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"
)

const (
	qrScheme  = "acolyte"
	qrVersion = "v1"
)

// LocationPayload is the decoded content of a location QR (Mode B). The
// device scans this and submits it alongside its own identity token.
// Signature plus at least one of the point id and location code are
// mandatory; everything else may be absent on printed posters.
type LocationPayload struct {
	ActionType    string
	ActionPointID string
	LocationCode  string
	TenantID      string
	Signature     string
	Rotation      int64
	EntityID      string
}

// BuildLocationURI renders the acolyte://v1/... payload printed on or shown
// at an action point.
func BuildLocationURI(p *LocationPayload) string {
	q := url.Values{}
	if p.ActionPointID != "" {
		q.Set("ap", p.ActionPointID)
	}
	if p.LocationCode != "" {
		q.Set("lc", p.LocationCode)
	}
	if p.TenantID != "" {
		q.Set("c", p.TenantID)
	}
	q.Set("sig", p.Signature)
	q.Set("r", strconv.FormatInt(p.Rotation, 10))
	if p.EntityID != "" {
		q.Set("e", p.EntityID)
	}
	return fmt.Sprintf("%s://%s/%s?%s", qrScheme, qrVersion, p.ActionType, q.Encode())
}

// ParseLocationURI decodes a scanned location QR payload. It validates shape
// only; signature and rotation checks belong to the scan pipeline. Unknown
// query parameters are ignored.
func ParseLocationURI(raw string) (*LocationPayload, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid qr payload: %w", err)
	}
	if u.Scheme != qrScheme || u.Host != qrVersion {
		return nil, fmt.Errorf("unrecognized qr payload %q", u.Scheme+"://"+u.Host)
	}

	actionType := strings.Trim(u.Path, "/")
	if actionType == "" {
		return nil, fmt.Errorf("qr payload missing action type")
	}

	q := u.Query()
	if q.Get("sig") == "" {
		return nil, fmt.Errorf("qr payload missing %q", "sig")
	}
	if q.Get("ap") == "" && q.Get("lc") == "" {
		return nil, fmt.Errorf("qr payload identifies no action point")
	}

	var rotation int64
	if raw := q.Get("r"); raw != "" {
		rotation, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rotation value: %w", err)
		}
	}

	return &LocationPayload{
		ActionType:    actionType,
		ActionPointID: q.Get("ap"),
		LocationCode:  q.Get("lc"),
		TenantID:      q.Get("c"),
		Signature:     q.Get("sig"),
		Rotation:      rotation,
		EntityID:      q.Get("e"),
	}, nil
}

// RenderPNG encodes a payload URI as a QR image for admin printing.
func RenderPNG(uri string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr image: %w", err)
	}
	return png, nil
}
