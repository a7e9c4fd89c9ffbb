package config

import (
	"flag"
	"log"
	"os"
	"time"

	"gihan9a/collabsync/pkg/editorproto"
)

// TLSConfig holds TLS configuration options
type TLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	GenerateCert bool
}

// CORSConfig holds CORS configuration options
type CORSConfig struct {
	Enabled          bool
	AllowOrigins     string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DocumentConfig controls document lifecycle
type DocumentConfig struct {
	DefaultValue []editorproto.Node // tree of a document the storage does not know; nil refuses it
	SaveDebounce time.Duration
	GCInterval   time.Duration
	GCGrace      time.Duration // how long an empty namespace lives before its document is dropped
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Backend     string // file, bolt, redis or postgres
	BoltPath    string
	RedisAddr   string
	RedisPrefix string
	PostgresURL string
}

type AuthConfig struct {
	JWTSecret string // empty disables authentication
}

// DiscoveryConfig controls mDNS advertisement of the server
type DiscoveryConfig struct {
	Enabled bool
	Service string
	Domain  string
}

// Config holds the application configuration
type Config struct {
	RootDir   string
	Port      int
	TLS       TLSConfig
	CORS      CORSConfig
	Document  DocumentConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Discovery DiscoveryConfig
}

// ParseFlags parses command line flags and merges them with the config file and environment
func ParseFlags() (*Config, error) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

func parseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	configFlag := fs.String("config", "config.yml", "Path to configuration file")
	generateConfigFlag := fs.Bool("generate-config", false, "Generate a default configuration file")
	configFilePathFlag := fs.String("config-path", "config.yml", "Path where config file should be generated")
	envFlag := fs.String("env", ".env", "Path to an optional .env file")

	// Simple flags for overriding config file
	dirFlag := fs.String("d", "", "Directory holding document files (overrides config)")
	portFlag := fs.Int("p", 0, "Port to listen on (overrides config)")
	storageFlag := fs.String("storage", "", "Storage backend: file, bolt, redis or postgres (overrides config)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *generateConfigFlag {
		log.Printf("Generating default configuration file at %s", *configFilePathFlag)
		if err := SaveDefaultConfig(*configFilePathFlag); err != nil {
			return nil, err
		}
		log.Printf("Configuration file generated successfully")
	}

	config, err := LoadConfig(*configFlag)
	if err != nil {
		log.Printf("Warning: Could not load config file: %v", err)
		log.Printf("Using default configuration")
		config, _ = LoadConfig("")
	}

	if err := applyEnv(config, *envFlag); err != nil {
		return nil, err
	}

	// flags win over both the file and the environment
	if *dirFlag != "" {
		config.RootDir = *dirFlag
	}
	if *portFlag != 0 {
		config.Port = *portFlag
	}
	if *storageFlag != "" {
		config.Storage.Backend = *storageFlag
	}

	return config, nil
}
