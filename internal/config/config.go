// Package config populates a single Config struct from environment
// variables once at process startup and threads it through every
// constructor. Per Design Notes ("Global mutable state"), nothing in
// this repository reads os.Getenv outside of Load — every other
// package receives its settings as constructor arguments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExecutorBackend names the in-process executor implementation this
// controller process was started with. Chosen once at startup; a
// process never mixes executor backends.
type ExecutorBackend string

const (
	ExecutorBackendLocal      ExecutorBackend = "local"
	ExecutorBackendKubernetes ExecutorBackend = "kubernetes"
)

// Config is the controller's full runtime configuration.
type Config struct {
	Backend      string
	DatabaseFile string

	MaxWorkers      int
	JobLoopInterval time.Duration
	PollInterval    time.Duration
	StuckJobTimeout time.Duration

	JobServerEndpoint      string
	JobServerToken         string
	PrivateRepoAccessToken string

	GitHubProxyDomain string
	ActionsGitHubOrg  string
	AllowedImages     map[string]struct{}
	DockerRegistry    string

	HighPrivacyStorageBase   string
	MediumPrivacyStorageBase string

	DatabaseURLs map[string]string // keyed by "full"|"slice"|"dummy"

	StataLicense     string
	StataLicenseRepo string

	ExecutorBackend ExecutorBackend

	LogLevel string
	LogJSON  bool
	HTTPAddr string // health/metrics server bind address
}

// Load reads every recognised environment variable and returns a fully
// populated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Backend:      os.Getenv("BACKEND"),
		DatabaseFile: getenvDefault("DATABASE_FILE", "./workdir/db.sqlite"),

		JobServerEndpoint:      os.Getenv("JOB_SERVER_ENDPOINT"),
		JobServerToken:         os.Getenv("JOB_SERVER_TOKEN"),
		PrivateRepoAccessToken: os.Getenv("PRIVATE_REPO_ACCESS_TOKEN"),

		GitHubProxyDomain: os.Getenv("GITHUB_PROXY_DOMAIN"),
		ActionsGitHubOrg:  getenvDefault("ACTIONS_GITHUB_ORG", "opensafely-actions"),
		DockerRegistry:    os.Getenv("DOCKER_REGISTRY"),

		HighPrivacyStorageBase:   getenvDefault("HIGH_PRIVACY_STORAGE_BASE", "./workdir/high_privacy"),
		MediumPrivacyStorageBase: getenvDefault("MEDIUM_PRIVACY_STORAGE_BASE", "./workdir/medium_privacy"),

		StataLicense:     os.Getenv("STATA_LICENSE"),
		StataLicenseRepo: os.Getenv("STATA_LICENSE_REPO"),

		ExecutorBackend: ExecutorBackend(getenvDefault("EXECUTOR_BACKEND", string(ExecutorBackendLocal))),

		LogLevel: getenvDefault("LOG_LEVEL", "info"),
		LogJSON:  os.Getenv("LOG_JSON") == "true",
		HTTPAddr: getenvDefault("HTTP_ADDR", ":8080"),
	}

	maxWorkers, err := strconv.Atoi(getenvDefault("MAX_WORKERS", "20"))
	if err != nil {
		return nil, fmt.Errorf("MAX_WORKERS: %w", err)
	}
	cfg.MaxWorkers = maxWorkers

	jobLoop, err := parseSeconds(getenvDefault("JOB_LOOP_INTERVAL", "1"))
	if err != nil {
		return nil, fmt.Errorf("JOB_LOOP_INTERVAL: %w", err)
	}
	cfg.JobLoopInterval = jobLoop

	poll, err := parseSeconds(getenvDefault("POLL_INTERVAL", "5"))
	if err != nil {
		return nil, fmt.Errorf("POLL_INTERVAL: %w", err)
	}
	cfg.PollInterval = poll

	stuck, err := parseSeconds(getenvDefault("STUCK_JOB_TIMEOUT", "7200"))
	if err != nil {
		return nil, fmt.Errorf("STUCK_JOB_TIMEOUT: %w", err)
	}
	cfg.StuckJobTimeout = stuck

	cfg.AllowedImages = parseSet(os.Getenv("ALLOWED_IMAGES"))

	cfg.DatabaseURLs = map[string]string{
		"full":  os.Getenv("DATABASE_URLS_FULL"),
		"slice": os.Getenv("DATABASE_URLS_SLICE"),
		"dummy": os.Getenv("DATABASE_URLS_DUMMY"),
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseSeconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
