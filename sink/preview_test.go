package sink

import (
	"bufio"
	"encoding/json"
	"errors"
	"image/jpeg"
	"image/png"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewFrameBeforeAndAfterFirstFrame(t *testing.T) {
	p := NewPreview(nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame.png", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	p.OnFrame(grayFrame(3, 2, 41, 200))

	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "41", rec.Header().Get("X-Frame-Seq"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
}

func TestPreviewDoesNotRetainFrameStorage(t *testing.T) {
	p := NewPreview(nil)
	f := grayFrame(2, 2, 1, 10)

	p.OnFrame(f)
	f.Image.Pix[0] = 99

	latest, _, _, _ := p.snapshot()
	assert.Equal(t, byte(10), latest.Image.Pix[0])
}

func TestPreviewStats(t *testing.T) {
	p := NewPreview(&PreviewOptions{Stats: func() any { return map[string]int{"delivered": 5} }})
	p.OnFrame(grayFrame(1, 1, 1, 0))
	p.OnError(errors.New("device lost"))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Frames   uint64         `json:"frames"`
		Finished bool           `json:"finished"`
		Error    string         `json:"error"`
		Stream   map[string]int `json:"stream"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(1), got.Frames)
	assert.True(t, got.Finished)
	assert.Equal(t, "device lost", got.Error)
	assert.Equal(t, 5, got.Stream["delivered"])
}

func TestPreviewMJPEGStreamEndsWithAcquisition(t *testing.T) {
	p := NewPreview(&PreviewOptions{Quality: 50})
	srv := httptest.NewServer(p)
	defer srv.Close()

	p.OnFrame(grayFrame(8, 8, 1, 128))

	resp, err := http.Get(srv.URL + "/stream.mjpeg")
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	mr := multipart.NewReader(bufio.NewReader(resp.Body), params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	img, err := jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	p.OnFrame(grayFrame(8, 8, 2, 64))
	_, err = mr.NextPart()
	require.NoError(t, err)

	p.OnComplete()
	p.OnFrame(grayFrame(8, 8, 3, 0))
	_, err = mr.NextPart()
	assert.Error(t, err, "stream closes once the acquisition completes")
}

func TestPreviewRejectsOtherMethods(t *testing.T) {
	p := NewPreview(nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/frame.png", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
