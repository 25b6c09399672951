package offline0

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/partition"
)

var htmlAccept = map[string]string{"Accept": "text/html,application/xhtml+xml"}

func seed(t *testing.T, svc *Service, kind, key, contentType, body string) {
	t.Helper()
	err := svc.Partition(kind).Put(bg(), partition.Entry{
		Key:    key,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   []byte(body),
		TTL:    time.Hour,
	})
	require.NoError(t, err)
}

func TestNavigationServesCachedDocumentOffline(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/about", "text/html", `<html><script>{"buildId":"b1"}</script>about</html>`)
	svc := activeService(t, origin.URL)
	h := svc.Handler()

	w := get(t, h, "/about", htmlAccept)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sourceNetwork, w.Header().Get(headerName))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), headerName)
	assert.Equal(t, "b1", svc.build.Current())

	svc.Settle()
	_, ok := svc.Partition(KindPages).Match(bg(), "desktop:/about")
	require.True(t, ok, "document stored under the device key")

	origin.offline.Store(true)
	w = get(t, h, "/about", htmlAccept)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sourceHit, w.Header().Get(headerName))
	assert.Contains(t, w.Body.String(), "about")
}

func TestNavigationTrailingSlashTolerance(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)
	seed(t, svc, KindPages, "/docs", "text/html", "docs page")

	w := get(t, svc.Handler(), "/docs/", htmlAccept)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "docs page", w.Body.String())
}

func TestNavigationFallsBackToOfflinePage(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)
	seed(t, svc, KindPages, "/offline", "text/html", "you are offline")

	w := get(t, svc.Handler(), "/never-visited", map[string]string{"Sec-Fetch-Dest": "document", "Sec-Fetch-Mode": "navigate"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "you are offline", w.Body.String())
	assert.Equal(t, sourceFallback, w.Header().Get(headerName))
}

func TestNavigationInlineOfflineHTML(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)

	w := get(t, svc.Handler(), "/never-visited", htmlAccept)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, offlineHTML, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
}

func TestAPISnapshotServedOffline(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/api/items", "application/json", `[1,2,3]`)
	svc := activeService(t, origin.URL)
	h := svc.Handler()

	w := get(t, h, "/api/items", nil)
	require.Equal(t, http.StatusOK, w.Code)
	svc.Settle()

	origin.offline.Store(true)
	w = get(t, h, "/api/items", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[1,2,3]`, w.Body.String())
	assert.Equal(t, "3600000", w.Header().Get("X-Cache-TTL"))
	assert.NotEmpty(t, w.Header().Get("X-Cache-Time"))
}

func TestAPIOfflineEnvelope(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)

	w := get(t, svc.Handler(), "/api/items", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"offline":true,"error":"No network connection"}`, w.Body.String())
}

func TestAPINonOKResponseIsNotCached(t *testing.T) {
	origin := newTestOrigin(t)
	origin.mux.HandleFunc("/api/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	svc := activeService(t, origin.URL)

	w := get(t, svc.Handler(), "/api/broken", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	svc.Settle()
	n, err := svc.Partition(KindAPI).Len(bg())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStaticIsCacheFirst(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/styles/site.css", "text/css", "body{}")
	svc := activeService(t, origin.URL)
	h := svc.Handler()
	hdr := map[string]string{"Sec-Fetch-Dest": "style"}

	w := get(t, h, "/styles/site.css", hdr)
	require.Equal(t, http.StatusOK, w.Code)
	svc.Settle()

	w = get(t, h, "/styles/site.css", hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body{}", w.Body.String())
	assert.Equal(t, sourceHit, w.Header().Get(headerName))
	assert.Equal(t, 1, origin.Hits("GET /styles/site.css"))

	origin.offline.Store(true)
	w = get(t, h, "/styles/site.css", hdr)
	assert.Equal(t, "body{}", w.Body.String())
}

func TestStaticOfflineMissIsEmpty404(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)

	w := get(t, svc.Handler(), "/fonts/inter.woff2", map[string]string{"Sec-Fetch-Dest": "font"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestStaticImagePathChecksImagePartition(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)
	seed(t, svc, KindImages, "/img/logo.png", "image/png", "png-bytes")

	w := get(t, svc.Handler(), "/img/logo.png?v=2", map[string]string{"Sec-Fetch-Dest": "image"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png-bytes", w.Body.String())
}

func TestImageFallsBackToSourceImage(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)
	seed(t, svc, KindImages, "/img/hero.png", "image/png", "hero")

	w := get(t, svc.Handler(), optimizedImageURL("/img/hero.png", 640), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hero", w.Body.String())
}

func TestImageOfflineMissIsTransparentPixel(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)

	w := get(t, svc.Handler(), optimizedImageURL("/img/missing.png", 64), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.Equal(transparentPNG, w.Body.Bytes()))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestImageStoresOptimizedVariant(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/_next/image", "image/webp", "webp")
	svc := activeService(t, origin.URL)
	u := optimizedImageURL("/img/a.png", 128)

	w := get(t, svc.Handler(), u, nil)
	require.Equal(t, "webp", w.Body.String())
	svc.Settle()
	_, ok := svc.Partition(KindImages).Match(bg(), u)
	assert.True(t, ok)
}

func TestDataOfflineFallback(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)

	w := get(t, svc.Handler(), "/_next/data/abc/blog.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, emptyData, w.Body.String())
}

func TestDataCorrectsStaleBuildOnce(t *testing.T) {
	origin := newTestOrigin(t)
	origin.hang("/_next/data/")
	svc := activeService(t, origin.URL)
	svc.cfg.timeouts[TimeoutDocument] = 200 * time.Millisecond
	svc.build.Observe(bg(), "new")

	w := get(t, svc.Handler(), "/_next/data/old/blog.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, emptyData, w.Body.String())
	assert.Equal(t, 1, origin.Hits("GET /_next/data/new/blog.json"))
	assert.Zero(t, origin.Hits("GET /_next/data/old/blog.json"))
}

func TestDataCorrectedURLServedFromDeviceCache(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/_next/data/new/blog.json", "application/json", `{"pageProps":{"fresh":true}}`)
	svc := activeService(t, origin.URL)
	svc.build.Observe(bg(), "new")
	seed(t, svc, KindStatic, "mobile:/_next/data/new/blog.json", "application/json", `{"pageProps":{"cached":true}}`)

	w := get(t, svc.Handler(), "/_next/data/old/blog.json", map[string]string{"User-Agent": mobileUA})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pageProps":{"cached":true}}`, w.Body.String())

	// the hit is revalidated in the background
	svc.Settle()
	e, ok := svc.Partition(KindStatic).Match(bg(), "mobile:/_next/data/new/blog.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"pageProps":{"fresh":true}}`, string(e.Body))
}

func TestDataUnknownBuildSkipsCorrection(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/_next/data/old/blog.json", "application/json", `{"pageProps":{}}`)
	svc := activeService(t, origin.URL)

	w := get(t, svc.Handler(), "/_next/data/old/blog.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, origin.Hits("GET /_next/data/old/blog.json"))
}

func TestDataRoundTripOffline(t *testing.T) {
	origin := newTestOrigin(t)
	const data = "/_next/data/b1/blog.json"
	origin.text(data, "application/json", `{"pageProps":{"posts":3}}`)
	svc := activeService(t, origin.URL)
	h := svc.Handler()

	w := get(t, h, data, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sourceNetwork, w.Header().Get(headerName))
	svc.Settle()
	_, ok := svc.Partition(KindStatic).Match(bg(), "desktop:"+data)
	require.True(t, ok)

	origin.offline.Store(true)
	w = get(t, h, data, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sourceHit, w.Header().Get(headerName))
	assert.JSONEq(t, `{"pageProps":{"posts":3}}`, w.Body.String())
}

func TestFrameworkStaticRoundTripOffline(t *testing.T) {
	origin := newTestOrigin(t)
	const chunk = "/_next/static/chunks/app-123.js"
	origin.text(chunk, "application/javascript", "console.log('app')")
	svc := activeService(t, origin.URL)
	h := svc.Handler()

	w := get(t, h, chunk, map[string]string{"Sec-Fetch-Dest": "script"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sourceNetwork, w.Header().Get(headerName))
	svc.Settle()
	_, ok := svc.Partition(KindStatic).Match(bg(), "desktop:"+chunk)
	require.True(t, ok)

	origin.offline.Store(true)
	w = get(t, h, chunk, map[string]string{"Sec-Fetch-Dest": "script"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sourceHit, w.Header().Get(headerName))
	assert.Equal(t, "console.log('app')", w.Body.String())
}

func TestFrameworkStaticRevalidatesInBackground(t *testing.T) {
	origin := newTestOrigin(t)
	const chunk = "/_next/static/chunks/main-app.js"
	origin.text(chunk, "application/javascript", "console.log('v2')")
	svc := activeService(t, origin.URL)
	seed(t, svc, KindStatic, "desktop:"+chunk, "application/javascript", "console.log('v1')")
	h := svc.Handler()

	w := get(t, h, chunk, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log('v1')", w.Body.String())

	svc.Settle()
	w = get(t, h, chunk, nil)
	assert.Equal(t, "console.log('v2')", w.Body.String())
}

func TestFrameworkStaticOfflineMiss(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)

	w := get(t, svc.Handler(), "/_next/static/chunks/webpack-123.js", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestDefaultServesCachedResponseOffline(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/feed.xml", "application/xml", "<rss/>")
	svc := activeService(t, origin.URL)
	h := svc.Handler()

	w := get(t, h, "/feed.xml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	svc.Settle()

	origin.offline.Store(true)
	w = get(t, h, "/feed.xml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<rss/>", w.Body.String())
}

func TestDefaultRouterPayloadFallbacks(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)
	h := svc.Handler()

	t.Run("prefetch", func(t *testing.T) {
		w := get(t, h, "/dashboard?_rsc=1a2b", map[string]string{"RSC": "1", "Next-Router-Prefetch": "1"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{}`, w.Body.String())
	})

	t.Run("no variant", func(t *testing.T) {
		w := get(t, h, "/settings?_rsc=1a2b", map[string]string{"RSC": "1"})
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})

	t.Run("cached variant", func(t *testing.T) {
		seed(t, svc, KindPages, "desktop:/dashboard/__rsc", "text/x-component", "rsc-payload")
		w := get(t, h, "/dashboard?_rsc=1a2b", map[string]string{"RSC": "1"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "rsc-payload", w.Body.String())
	})
}

func TestDefaultFallsBackToPagesForPageLikePaths(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)
	seed(t, svc, KindPages, "/reports/", "text/html", "reports")

	w := get(t, svc.Handler(), "/reports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reports", w.Body.String())

	w = get(t, svc.Handler(), "/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuotaEvictsOldestEntries(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, testConfig(t, origin.URL, `
cache:
  limits:
    pages: 2
    static: 2
    images: 2
    api: 2
`))

	for _, kind := range partitionKinds {
		for _, key := range []string{"/a", "/b", "/c", "/d"} {
			svc.writeThrough(kind, key, response{Status: http.StatusOK, Body: []byte(key)})
			svc.Settle()
		}
		keys, err := svc.Partition(kind).Keys(bg())
		require.NoError(t, err)
		assert.Equal(t, []string{"/c", "/d"}, keys, kind)
	}
}

func TestRewriteReplacesEntry(t *testing.T) {
	origin := newTestOrigin(t)
	svc := activeService(t, origin.URL)

	svc.writeThrough(KindPages, "/a", response{Status: http.StatusOK, Body: []byte("one")})
	svc.Settle()
	svc.writeThrough(KindPages, "/a", response{Status: http.StatusOK, Body: []byte("two")})
	svc.Settle()

	n, err := svc.Partition(KindPages).Len(bg())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e, ok := svc.Partition(KindPages).Match(bg(), "/a")
	require.True(t, ok)
	assert.Equal(t, "two", string(e.Body))
}

func TestPassThroughBeforeActivation(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/about", "text/html", "about")
	svc := newTestService(t, testConfig(t, origin.URL))

	w := get(t, svc.Handler(), "/about", htmlAccept)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "about", w.Body.String())
	assert.Empty(t, w.Header().Get(headerName))

	svc.Settle()
	counts := svc.PartitionCounts(bg())
	assert.Zero(t, counts[KindPages])
}

func TestNonGETPassesThrough(t *testing.T) {
	origin := newTestOrigin(t)
	origin.mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.Method))
	})
	svc := activeService(t, origin.URL)

	r := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{"x":1}`))
	w := httptest.NewRecorder()
	svc.Handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "POST", w.Body.String())
	assert.Equal(t, 1, origin.Hits("POST /api/items"))
	svc.Settle()
	assert.Zero(t, svc.PartitionCounts(bg())[KindAPI])
}

func TestCrossOriginPassesThrough(t *testing.T) {
	origin := newTestOrigin(t)
	origin.text("/lib.js", "application/javascript", "lib")
	origin.text("/feed.xml", "application/xml", "<rss/>")
	svc := activeService(t, origin.URL)
	h := svc.Handler()

	w := get(t, h, "http://cdn.example.com/lib.js", map[string]string{"Sec-Fetch-Dest": "script"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lib", w.Body.String())
	assert.Empty(t, w.Header().Get(headerName))

	w = get(t, h, "ftp://"+origin.Listener.Addr().String()+"/lib.js", map[string]string{"Sec-Fetch-Dest": "script"})
	assert.Empty(t, w.Header().Get(headerName))
	assert.Equal(t, 2, origin.Hits("GET /lib.js"))

	svc.Settle()
	assert.Zero(t, svc.PartitionCounts(bg())[KindStatic])

	// an absolute URL naming the origin itself is still same-origin
	w = get(t, h, origin.URL+"/feed.xml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sourceNetwork, w.Header().Get(headerName))
	svc.Settle()
	_, ok := svc.Partition(KindPages).Match(bg(), "/feed.xml")
	assert.True(t, ok)
}

func TestPassThroughOriginDown(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)

	r := httptest.NewRequest(http.MethodPut, "/api/items/1", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	svc.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, headerName)
	ensureExposedHeader(h, headerName)
	assert.Equal(t, "ETag, "+headerName, h.Get("Access-Control-Expose-Headers"))
}
