package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// ServerConfig holds board-wide settings shared by the mail tools.
type ServerConfig struct {
	BoardName    string `json:"boardName"`
	SysOpName    string `json:"sysOpName"`
	DataPath     string `json:"dataPath"`     // e.g., "data"
	DatabasePath string `json:"databasePath"` // message store; relative to DataPath
	FileBasePath string `json:"fileBasePath"` // file areas; relative to DataPath
}

// MessageDBPath returns the absolute-or-relative path of the message store.
func (c ServerConfig) MessageDBPath() string {
	return resolvePath(c.DataPath, c.DatabasePath)
}

// FilesPath returns the root of the file base.
func (c ServerConfig) FilesPath() string {
	return resolvePath(c.DataPath, c.FileBasePath)
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// LoadServerConfig loads the server configuration from config.json
func LoadServerConfig(configPath string) (ServerConfig, error) {
	filePath := filepath.Join(configPath, "config.json")
	log.Printf("INFO: Loading server configuration from %s", filePath)

	defaultConfig := ServerConfig{
		BoardName:    "ViSiON/3 BBS",
		SysOpName:    "SysOp",
		DataPath:     "data",
		DatabasePath: "v3mail.db",
		FileBasePath: "files",
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("WARN: config.json not found at %s. Using default settings.", filePath)
			return defaultConfig, nil
		}
		return defaultConfig, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	// Initialize with defaults before unmarshalling
	config := defaultConfig
	if err := json.Unmarshal(data, &config); err != nil {
		log.Printf("ERROR: Failed to parse config JSON from %s: %v. Using default settings.", filePath, err)
		return defaultConfig, fmt.Errorf("failed to parse config JSON from %s: %w", filePath, err)
	}

	log.Printf("INFO: Successfully loaded server configuration from %s", filePath)
	return config, nil
}

// LoadFTNConfig loads FTN configuration from ftn.json, applies defaults and
// validates it. Returns an empty config (no networks) if the file does not
// exist.
func LoadFTNConfig(configPath string) (*FTNConfig, error) {
	filePath := filepath.Join(configPath, "ftn.json")
	log.Printf("INFO: Loading FTN configuration from %s", filePath)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("INFO: ftn.json not found at %s. FTN disabled.", filePath)
			cfg := &FTNConfig{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read FTN config file %s: %w", filePath, err)
	}

	cfg, err := ParseFTNConfig(data)
	if err != nil {
		log.Printf("ERROR: Failed to load FTN config from %s: %v", filePath, err)
		return nil, fmt.Errorf("FTN config %s: %w", filePath, err)
	}

	log.Printf("INFO: Loaded FTN configuration: %d network(s), %d area(s), %d node(s)",
		len(cfg.Networks), len(cfg.Areas), len(cfg.Nodes))
	return cfg, nil
}

// ParseFTNConfig decodes, defaults and validates an ftn.json document.
func ParseFTNConfig(data []byte) (*FTNConfig, error) {
	var cfg FTNConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse FTN config JSON: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for name, net := range cfg.Networks {
		log.Printf("INFO: FTN network %q: address=%s", name, net.LocalAddress)
	}
	return &cfg, nil
}
