package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bnema/vpnledger/internal/application"
	"github.com/bnema/vpnledger/internal/domain"
)

const maxIPNBodySize = 64 << 10 // PayPal notifications are small

// CRLSource serves the current revocation list artifact, nil when none
// has been published yet.
type CRLSource interface {
	CRL() ([]byte, error)
}

// Server exposes the webhook intake and the read-only client surface:
// bundles, the CRL, health, and metrics.
type Server struct {
	ipn     *application.IPNService
	issuer  *application.CertificateIssuer
	crl     CRLSource
	limiter *rate.Limiter
	logger  *slog.Logger
	router  *gin.Engine
}

func NewServer(ipn *application.IPNService, issuer *application.CertificateIssuer, crl CRLSource, ipnRateLimit rate.Limit, ipnBurst int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		ipn:     ipn,
		issuer:  issuer,
		crl:     crl,
		limiter: rate.NewLimiter(ipnRateLimit, ipnBurst),
		logger:  logger,
		router:  router,
	}

	router.POST("/ipn", s.handleIPN)
	router.GET("/bundle/:account", s.handleBundle)
	router.GET("/crl", s.handleCRL)
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// handleIPN acknowledges notifications with 200 in every terminal case
// so the gateway stops redelivering. Only an inconclusive verification
// gets a 503: redelivery is the retry mechanism, and crediting is
// idempotent, so a repeat costs nothing.
func (s *Server) handleIPN(c *gin.Context) {
	if !s.limiter.Allow() {
		c.Status(http.StatusTooManyRequests)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIPNBodySize))
	if err != nil {
		s.logger.Warn("read notification body", "error", err)
		c.Status(http.StatusOK)
		return
	}

	if err := s.ipn.Process(c.Request.Context(), payload); err != nil {
		if errors.Is(err, application.ErrInconclusiveVerification) {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		s.logger.Warn("notification rejected", "error", err)
	}

	c.Status(http.StatusOK)
}

func (s *Server) handleBundle(c *gin.Context) {
	id := domain.AccountID(c.Param("account"))

	bundle, err := s.issuer.Bundle(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrCertificateNotFound) || errors.Is(err, domain.ErrAccountNotFound) {
			c.String(http.StatusNotFound, "no active certificate\n")
			return
		}
		s.logger.Error("render bundle", "account", string(id), "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="vpnledger.ovpn"`)
	c.Data(http.StatusOK, "application/x-openvpn-profile", []byte(bundle))
}

func (s *Server) handleCRL(c *gin.Context) {
	data, err := s.crl.CRL()
	if err != nil {
		s.logger.Error("read revocation list", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if data == nil {
		c.String(http.StatusNotFound, "no revocation list published\n")
		return
	}

	c.Data(http.StatusOK, "application/x-pem-file", data)
}

func (s *Server) handleHealth(c *gin.Context) {
	if !s.issuer.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "signer": "unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
