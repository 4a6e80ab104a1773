package handlers

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/icba-classifier/internal/labels"
	"github.com/example/icba-classifier/internal/logging"
	"github.com/example/icba-classifier/internal/usecase"
)

// DefaultMaxUploadBytes bounds a single upload request.
const DefaultMaxUploadBytes int64 = 10 << 20

const (
	messageUploadFailed = "Upload failed"
	messageTooLarge     = "File is too large"
)

//go:embed templates/*.html
var templateFS embed.FS

// Classifier produces a prediction for a stored upload.
type Classifier interface {
	Classify(ctx context.Context, key string) (usecase.PredictionResult, error)
}

// Uploader stores an upload and returns its storage key.
type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

// Options configures RegisterRoutes.
type Options struct {
	MaxUploadBytes int64
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

// Handler serves the HTML pages and the JSON API.
type Handler struct {
	classifier     Classifier
	uploader       Uploader
	catalog        *labels.Catalog
	logger         *zap.Logger
	maxUploadBytes int64
}

// NewHandler builds the request handlers.
func NewHandler(classifier Classifier, uploader Uploader, catalog *labels.Catalog, logger *zap.Logger) *Handler {
	return &Handler{
		classifier:     classifier,
		uploader:       uploader,
		catalog:        catalog,
		logger:         logger.Named("handlers"),
		maxUploadBytes: DefaultMaxUploadBytes,
	}
}

// Templates parses the embedded page templates.
func Templates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, opts Options) error {
	tmpl, err := Templates()
	if err != nil {
		return err
	}
	router.SetHTMLTemplate(tmpl)

	if opts.MaxUploadBytes > 0 {
		h.maxUploadBytes = opts.MaxUploadBytes
	}
	router.MaxMultipartMemory = h.maxUploadBytes

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	router.GET("/", h.root)

	for _, locale := range labels.Locales {
		l := locale
		group := router.Group(l.Prefix())
		group.GET("", func(c *gin.Context) { h.index(c, l) })
		group.POST("", LimitBody(h.maxUploadBytes), func(c *gin.Context) { h.upload(c, l) })
		group.GET("/predict/:filename", func(c *gin.Context) { h.predict(c, l) })
		group.GET("/diseases", func(c *gin.Context) { h.diseases(c, l) })
	}

	api := router.Group("/api")
	api.POST("/upload", LimitBody(h.maxUploadBytes), h.apiUpload)
	api.GET("/predict/:filename", h.apiPredict)
	api.GET("/predict/:filename/:lang", h.apiPredict)
	api.GET("/diseases", h.apiDiseases)
	api.GET("/diseases/:lang", h.apiDiseases)
	return nil
}

func (h *Handler) root(c *gin.Context) {
	pages := make([]page, 0, len(labels.Locales))
	for _, l := range labels.Locales {
		pages = append(pages, newPage(l))
	}
	c.HTML(http.StatusOK, "root.html", pages)
}

func (h *Handler) index(c *gin.Context, l labels.Locale) {
	c.HTML(http.StatusOK, "index.html", newPage(l))
}

func (h *Handler) renderError(c *gin.Context, l labels.Locale, status int, message string) {
	p := newPage(l)
	p.Message = message
	c.HTML(status, "error.html", p)
}

func (h *Handler) upload(c *gin.Context, l labels.Locale) {
	key, err := h.storeUpload(c)
	if err != nil {
		switch {
		case errors.Is(err, errTooLarge):
			h.renderError(c, l, http.StatusRequestEntityTooLarge, messageTooLarge)
		case errors.Is(err, usecase.ErrNoFilename):
			h.renderError(c, l, http.StatusOK, l.SelectFileMessage())
		default:
			_ = c.Error(err)
			h.renderError(c, l, http.StatusInternalServerError, messageUploadFailed)
		}
		return
	}
	c.Redirect(http.StatusFound, l.Prefix()+"/predict/"+key)
}

func (h *Handler) predict(c *gin.Context, l labels.Locale) {
	result, err := h.classifier.Classify(c.Request.Context(), c.Param("filename"))
	if err != nil {
		status := http.StatusOK
		if !usecase.IsUserError(err) {
			_ = c.Error(err)
			status = http.StatusInternalServerError
		}
		h.renderError(c, l, status, result.ErrorMessage)
		return
	}

	disease, err := h.catalog.Disease(l, result.ClassIndex)
	if err != nil {
		_ = c.Error(err)
		h.renderError(c, l, http.StatusInternalServerError, usecase.Message(err))
		return
	}

	p := newPage(l)
	p.Disease = disease
	p.Confidence = result.Confidence
	c.HTML(http.StatusOK, "result.html", p)
}

func (h *Handler) diseases(c *gin.Context, l labels.Locale) {
	p := newPage(l)
	p.Diseases = h.catalog.Diseases(l)
	c.HTML(http.StatusOK, "diseases.html", p)
}

func (h *Handler) apiUpload(c *gin.Context) {
	key, err := h.storeUpload(c)
	if err != nil {
		switch {
		case errors.Is(err, errTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": 0, "message": messageTooLarge})
		case errors.Is(err, usecase.ErrNoFilename):
			c.JSON(http.StatusOK, gin.H{"success": 0, "message": labels.Default.SelectFileMessage()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": 0, "message": messageUploadFailed})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": 1, "filename": key})
}

func (h *Handler) apiPredict(c *gin.Context) {
	l := labels.ParseLocale(c.Param("lang"))
	result, err := h.classifier.Classify(c.Request.Context(), c.Param("filename"))
	if err != nil {
		status := http.StatusOK
		if !usecase.IsUserError(err) {
			_ = c.Error(err)
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"success": 0, "message": result.ErrorMessage})
		return
	}

	disease, err := h.catalog.Disease(l, result.ClassIndex)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": 0, "message": usecase.Message(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": 1, "disease": disease.Name, "confidence": result.Confidence})
}

func (h *Handler) apiDiseases(c *gin.Context) {
	l := labels.ParseLocale(c.Param("lang"))
	c.JSON(http.StatusOK, gin.H{"success": 1, "diseases": h.catalog.Names(l)})
}

var errTooLarge = errors.New("upload exceeds size limit")

// storeUpload saves the multipart "file" field. A missing field counts as an
// empty filename.
func (h *Handler) storeUpload(c *gin.Context) (string, error) {
	if c.Request.ContentLength > h.maxUploadBytes {
		return "", errTooLarge
	}

	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			return "", errTooLarge
		}
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return "", usecase.ErrNoFilename
		}
		return "", logging.NewOperationError("handlers.parse_upload", logging.RequestIDFromContext(c.Request.Context()), err)
	}
	if file.Filename == "" {
		return "", usecase.ErrNoFilename
	}
	return h.saveFile(c.Request.Context(), file)
}

func (h *Handler) saveFile(ctx context.Context, file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", logging.NewOperationError("handlers.open_upload", logging.RequestIDFromContext(ctx), err)
	}
	defer src.Close()

	return h.uploader.Upload(ctx, file.Filename, src)
}
