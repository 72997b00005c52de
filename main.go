package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	httpHelper "github.com/Luzifer/go_helpers/http"
	"github.com/Luzifer/rconfig/v2"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Luzifer/statuscache/pkg/proxy"
	"github.com/Luzifer/statuscache/pkg/storage"
	"github.com/Luzifer/statuscache/pkg/storage/gcs"
	"github.com/Luzifer/statuscache/pkg/storage/local"
	"github.com/Luzifer/statuscache/pkg/storage/memory"
	"github.com/Luzifer/statuscache/pkg/upstream"
)

const (
	memoryStorage         = "mem://"
	readHeaderTimeout     = 10 * time.Second
	shutdownTimeout       = 30 * time.Second
	storageDirPermissions = 0o700
)

// nopCloser is returned for storage backends holding nothing to release
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var (
	cfg = struct {
		Listen          string        `flag:"listen" default:"" description:"IP to listen on (empty for all interfaces)"`
		LogFile         string        `flag:"log-file" default:"" description:"Write logs to this file (rotated) instead of stderr"`
		LogLevel        string        `flag:"log-level" default:"info" description:"Log level (debug, info, warn, error, fatal)" validate:"nonzero"`
		MetricsListen   string        `flag:"metrics-listen" default:"" description:"Address to serve prometheus metrics on (empty to disable)"`
		Port            int           `flag:"port,p" default:"3000" description:"Port to listen on" validate:"min=1,max=65535"`
		StorageDir      string        `flag:"storage-dir" default:"./data/" description:"Where to store cached images (directory, gs://bucket/prefix or mem://)" validate:"nonzero"`
		Target          string        `flag:"target,t" default:"https://http.cat/" description:"Upstream URL to fetch missing images from, key is appended" validate:"nonzero"`
		UpstreamTimeout time.Duration `flag:"upstream-timeout" default:"30s" description:"Timeout for upstream requests"`
		UserAgent       string        `flag:"user-agent" default:"" description:"Set custom user-agent for upstream requests"`
		VersionAndExit  bool          `flag:"version" default:"false" description:"Prints current version and exits"`
	}{}

	version = "dev"
)

func initApp() error {
	rconfig.AutoEnv(true)
	if err := rconfig.ParseAndValidate(&cfg); err != nil {
		return errors.Wrap(err, "parse commandline options")
	}

	if cfg.VersionAndExit {
		fmt.Printf("statuscache %s\n", version) //nolint:forbidigo // Version output
		os.Exit(0)
	}

	l, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	log.SetLevel(l)

	if cfg.LogFile != "" {
		log.SetOutput(newLogFileWriter(cfg.LogFile))
	}

	return nil
}

func main() {
	if err := initApp(); err != nil {
		log.WithError(err).Fatal("initializing app")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closer, err := getStorage(ctx, cfg.StorageDir)
	if err != nil {
		log.WithError(err).Fatal("initializing storage")
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.WithError(err).Error("closing storage")
		}
	}()

	fetcher, err := upstream.New(upstream.Config{
		BaseURL:   cfg.Target,
		Timeout:   cfg.UpstreamTimeout,
		UserAgent: cfg.UserAgent,
	})
	if err != nil {
		log.WithError(err).Fatal("initializing upstream")
	}

	handler := proxy.New(proxy.Config{
		Storage: store,
		Fetcher: fetcher,
		Logger:  log.StandardLogger(),
	})

	servers := []*http.Server{{
		Addr:              net.JoinHostPort(cfg.Listen, strconv.Itoa(cfg.Port)),
		Handler:           httpHelper.NewHTTPLogHandler(newRouter(handler)),
		ReadHeaderTimeout: readHeaderTimeout,
	}}

	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           metricsMux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	errg, ctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		errg.Go(func() error {
			log.WithField("addr", srv.Addr).Info("statuscache listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "serving on %s", srv.Addr)
			}
			return nil
		})
	}

	errg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).WithField("addr", srv.Addr).Error("shutting down server")
			}
		}

		handler.Wait()
		return nil
	})

	if err := errg.Wait(); err != nil {
		log.WithError(err).Fatal("running server")
	}
}

func getStorage(ctx context.Context, location string) (storage.Storage, io.Closer, error) {
	switch {
	case strings.HasPrefix(location, "gs://"):
		s, err := gcs.New(ctx, location)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create GCS storage")
		}
		return s, s, nil

	case location == memoryStorage:
		return memory.New(), nopCloser{}, nil

	default:
		if err := ensureWritableDir(location); err != nil {
			return nil, nil, err
		}
		return local.New(location), nopCloser{}, nil
	}
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, storageDirPermissions); err != nil {
		return errors.Wrap(err, "create storage dir")
	}

	f, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return errors.Wrap(err, "storage dir is not writable")
	}

	if err = f.Close(); err != nil {
		return errors.Wrap(err, "close write check file")
	}

	return errors.Wrap(os.Remove(f.Name()), "remove write check file")
}

func newLogFileWriter(filename string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100, //nolint:mnd // megabytes
		MaxBackups: 10,  //nolint:mnd
		Compress:   true,
	}
}

func newRouter(handler http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/").Handler(handler)
	return r
}
