package ciutil

import (
	"log/slog"
	"net/url"
	"os"
)

// Environment variable names.
const (
	EnvCI            = "CI"
	EnvGitHubActions = "GITHUB_ACTIONS"
	EnvGitLabCI      = "GITLAB_CI"
	EnvJenkinsURL    = "JENKINS_URL"
	EnvCircleCI      = "CIRCLECI"

	// EnvTestDatabaseURL is the preferred PostgreSQL URL for integration tests.
	EnvTestDatabaseURL = "PROMISED_TEST_DATABASE_URL"
	// EnvDatabaseURL is accepted as a fallback.
	EnvDatabaseURL = "DATABASE_URL"

	// EnvTestRedisURL is the preferred Redis URL for integration tests.
	EnvTestRedisURL = "PROMISED_TEST_REDIS_URL"
	// EnvRedisURL is accepted as a fallback.
	EnvRedisURL = "REDIS_URL"

	// EnvRequireIntegration turns missing services into test failures.
	EnvRequireIntegration = "PROMISED_REQUIRE_INTEGRATION"
)

// IsCI reports whether the process runs under a known CI provider.
func IsCI() bool {
	for _, name := range []string{EnvCI, EnvGitHubActions, EnvGitLabCI, EnvJenkinsURL, EnvCircleCI} {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

// RequireIntegration reports whether integration services must be present.
func RequireIntegration() bool {
	return os.Getenv(EnvRequireIntegration) != ""
}

// EnvWithFallbacks returns the first non-empty variable in names. Using a
// fallback name is logged so pipelines can migrate to the preferred one.
func EnvWithFallbacks(names []string, logger *slog.Logger) string {
	for i, name := range names {
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		if i > 0 && logger != nil {
			logger.Warn("using fallback environment variable",
				"used_var", name,
				"preferred_var", names[0],
				"value", MaskURL(val))
		}
		return val
	}
	return ""
}

// DatabaseURL returns the PostgreSQL URL for integration tests, or "".
func DatabaseURL(logger *slog.Logger) string {
	return EnvWithFallbacks([]string{EnvTestDatabaseURL, EnvDatabaseURL}, logger)
}

// RedisURL returns the Redis URL for integration tests, or "".
func RedisURL(logger *slog.Logger) string {
	return EnvWithFallbacks([]string{EnvTestRedisURL, EnvRedisURL}, logger)
}

// MaskURL hides the password of a URL so it can be logged.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
