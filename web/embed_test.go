package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSPAHandlerFallsBackToIndex(t *testing.T) {
	h := SPAHandler()

	for _, path := range []string{"/", "/vps/3", "/chat/abc"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, w.Code)
			continue
		}
		if !strings.Contains(w.Body.String(), "<title>vpsdeck</title>") {
			t.Errorf("%s did not serve index.html", path)
		}
		if w.Header().Get("Cache-Control") != "no-cache" {
			t.Errorf("%s cache control = %q", path, w.Header().Get("Cache-Control"))
		}
	}
}
