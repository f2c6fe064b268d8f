package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/tlstunnel/internal/observability"
)

// FileProvider loads certificate material from files and supports hot-reload
// via filesystem notifications.
type FileProvider struct {
	certFile       string
	keyFile        string
	caFile         string
	reloadInterval time.Duration
	logger         observability.Logger

	certificate atomic.Pointer[tls.Certificate]
	trustedCAs  atomic.Pointer[x509.CertPool]

	watcher   *fsnotify.Watcher
	eventCh   chan CertificateEvent
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool
	watched bool

	debounceDelay time.Duration
}

// FileProviderOption is a functional option for configuring FileProvider.
type FileProviderOption func(*FileProvider)

// WithFileProviderLogger sets the logger for the file provider.
func WithFileProviderLogger(logger observability.Logger) FileProviderOption {
	return func(p *FileProvider) {
		p.logger = logger
	}
}

// WithDebounceDelay sets the debounce delay for file change events.
func WithDebounceDelay(delay time.Duration) FileProviderOption {
	return func(p *FileProvider) {
		p.debounceDelay = delay
	}
}

// WithReloadInterval enables hot-reload when the interval is positive.
func WithReloadInterval(interval time.Duration) FileProviderOption {
	return func(p *FileProvider) {
		p.reloadInterval = interval
	}
}

// NewFileProvider creates a file-based certificate provider. certFile and
// keyFile must be set together; caFile is optional.
func NewFileProvider(certFile, keyFile, caFile string, opts ...FileProviderOption) (*FileProvider, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, NewConfigurationError("certFile",
			"certificate and key files must be configured together")
	}
	if certFile == "" && caFile == "" {
		return nil, NewConfigurationError("certFile", "no certificate material configured")
	}

	p := &FileProvider{
		certFile:      certFile,
		keyFile:       keyFile,
		caFile:        caFile,
		logger:        observability.NopLogger(),
		eventCh:       make(chan CertificateEvent, 10),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(p)
	}

	if certFile != "" {
		if err := p.loadCertificate(); err != nil {
			return nil, err
		}
	}
	if caFile != "" {
		if err := p.loadTrustedCAs(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Start begins watching for certificate file changes.
func (p *FileProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if p.reloadInterval <= 0 {
		p.logger.Debug("certificate hot-reload disabled (no reload interval configured)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapError(err, "failed to create file watcher")
	}
	p.watcher = watcher

	watchedDirs := map[string]struct{}{}
	for _, file := range []string{p.certFile, p.keyFile, p.caFile} {
		if file == "" {
			continue
		}
		dir := filepath.Dir(file)
		if _, ok := watchedDirs[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return WrapError(err, "failed to watch certificate directory")
		}
		watchedDirs[dir] = struct{}{}
		p.logger.Info("watching certificate file",
			observability.String("path", file),
		)
	}

	p.mu.Lock()
	p.watched = true
	p.mu.Unlock()

	go p.watchLoop(ctx)

	p.sendEvent(CertificateEvent{
		Type:        CertificateEventLoaded,
		Certificate: p.certificate.Load(),
		Message:     "certificate loaded",
	})

	return nil
}

// GetCertificate returns the current certificate.
func (p *FileProvider) GetCertificate(_ context.Context) (*tls.Certificate, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	p.mu.RUnlock()

	cert := p.certificate.Load()
	if cert == nil {
		return nil, ErrCertificateNotFound
	}

	return cert, nil
}

// GetTrustedCAs returns the trusted CA certificate pool.
func (p *FileProvider) GetTrustedCAs(_ context.Context) (*x509.CertPool, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	p.mu.RUnlock()

	return p.trustedCAs.Load(), nil
}

// Watch returns a channel that receives certificate events.
func (p *FileProvider) Watch(_ context.Context) <-chan CertificateEvent {
	return p.eventCh
}

// Close stops the file watcher and releases resources.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	watched := p.watched
	p.mu.Unlock()

	close(p.stopCh)

	if watched {
		<-p.stoppedCh
	}

	if p.watcher != nil {
		if err := p.watcher.Close(); err != nil {
			return WrapError(err, "failed to close file watcher")
		}
	}

	close(p.eventCh)

	return nil
}

// loadCertificate loads the certificate chain and key from files.
func (p *FileProvider) loadCertificate() error {
	cert, err := LoadCertificateFromFile(p.certFile, p.keyFile)
	if err != nil {
		return err
	}

	if cert.Leaf != nil {
		p.logger.Info("certificate loaded",
			observability.String("subject", cert.Leaf.Subject.CommonName),
			observability.Time("notBefore", cert.Leaf.NotBefore),
			observability.Time("notAfter", cert.Leaf.NotAfter),
		)
	}

	p.certificate.Store(cert)
	return nil
}

// loadTrustedCAs loads the trusted CA certificate pool.
func (p *FileProvider) loadTrustedCAs() error {
	pool, err := LoadCAFromFile(p.caFile)
	if err != nil {
		return err
	}

	p.trustedCAs.Store(pool)
	p.logger.Info("trusted CA bundle loaded",
		observability.String("path", p.caFile),
	)

	return nil
}

// watchLoop handles file change events.
func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("certificate watcher stopped due to context cancellation")
			return

		case <-p.stopCh:
			p.logger.Info("certificate watcher stopped")
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			debounceTimer, debounceCh = p.handleFileEvent(event, debounceTimer, debounceCh)

		case <-debounceCh:
			debounceCh = nil
			p.reload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("file watcher error", observability.Error(err))
			p.sendEvent(CertificateEvent{
				Type:    CertificateEventError,
				Error:   err,
				Message: "file watcher error",
			})
		}
	}
}

// handleFileEvent processes a file system event.
func (p *FileProvider) handleFileEvent(
	event fsnotify.Event,
	debounceTimer *time.Timer,
	debounceCh <-chan time.Time,
) (timer *time.Timer, ch <-chan time.Time) {
	cleanPath := filepath.Clean(event.Name)
	if !p.isRelevantFile(cleanPath) {
		return debounceTimer, debounceCh
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return debounceTimer, debounceCh
	}

	p.logger.Debug("certificate file changed",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)

	if debounceTimer != nil {
		debounceTimer.Stop()
	}
	debounceTimer = time.NewTimer(p.debounceDelay)
	return debounceTimer, debounceTimer.C
}

// isRelevantFile checks if the given path is a file we're watching.
func (p *FileProvider) isRelevantFile(cleanPath string) bool {
	if p.certFile != "" && cleanPath == filepath.Clean(p.certFile) {
		return true
	}
	if p.keyFile != "" && cleanPath == filepath.Clean(p.keyFile) {
		return true
	}
	if p.caFile != "" && cleanPath == filepath.Clean(p.caFile) {
		return true
	}
	return false
}

// reload reloads the certificate and CA bundle.
func (p *FileProvider) reload() {
	p.logger.Info("reloading certificates")

	if p.certFile != "" {
		if err := p.loadCertificate(); err != nil {
			p.logger.Error("failed to reload certificate", observability.Error(err))
			p.sendEvent(CertificateEvent{
				Type:    CertificateEventError,
				Error:   err,
				Message: "failed to reload certificate",
			})
			return
		}
	}

	if p.caFile != "" {
		if err := p.loadTrustedCAs(); err != nil {
			p.logger.Error("failed to reload trusted CA bundle", observability.Error(err))
			p.sendEvent(CertificateEvent{
				Type:    CertificateEventError,
				Error:   err,
				Message: "failed to reload trusted CA bundle",
			})
			return
		}
	}

	p.sendEvent(CertificateEvent{
		Type:        CertificateEventReloaded,
		Certificate: p.certificate.Load(),
		Message:     "certificate reloaded",
	})

	p.logger.Info("certificates reloaded successfully")
}

// sendEvent sends an event to the event channel.
func (p *FileProvider) sendEvent(event CertificateEvent) {
	select {
	case p.eventCh <- event:
	default:
		p.logger.Warn("certificate event channel full, dropping event",
			observability.String("type", event.Type.String()),
		)
	}
}

// Ensure FileProvider implements CertificateProvider.
var _ CertificateProvider = (*FileProvider)(nil)
