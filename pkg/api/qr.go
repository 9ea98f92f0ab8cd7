package api

import (
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"
)

// maxQRContent keeps the encoder away from versions that scan poorly on
// cheap phone cameras in the field.
const maxQRContent = 1024

// handleQR renders a PNG QR code for the given map URL so surveyors can open
// the exact view on a phone while walking a route. Content defaults to the
// request's own host map page.
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	content := r.URL.Query().Get("content")
	if content == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		content = scheme + "://" + r.Host + "/"
	}
	if len(content) > maxQRContent {
		http.Error(w, "content too long", http.StatusBadRequest)
		return
	}

	size := 256
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v >= 64 && v <= 1024 {
		size = v
	}

	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		h.fail(w, "encode qr", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(png)
}
