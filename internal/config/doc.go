// Package config defines configuration structures for the siphon CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (SIPHON_ prefix), optionally from a .env file
//   - YAML configuration file
//
// Flags override the environment, which overrides the file.
//
// # Structure
//
//	type Config struct {
//	    URL       string
//	    Bucket    string   // gocloud bucket URL, e.g. mem://, file:///tmp/a, s3://b
//	    BaseURL   string   // artifact URLs are BaseURL/<id>
//	    Output    string
//	    Name      string
//	    ChunkSize ByteSize
//	    Listen    string
//	    Progress  bool
//	    LogLevel  string
//	    HTTP      HTTPConfig
//	}
//
//	type RetryConfig struct {
//	    Attempts   int
//	    Backoff    time.Duration
//	    MaxBackoff time.Duration
//	}
package config
