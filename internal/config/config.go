// Package config loads and holds all anonymizer configuration.
// Settings are layered: defaults → anonymizer-config.json → environment variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full anonymizer configuration.
type Config struct {
	ManagementPort int    `json:"managementPort"`
	LogLevel       string `json:"logLevel"`

	ProjectName string `json:"projectName"`
	SiteID      string `json:"siteId"`
	UIDRoot     string `json:"uidRoot"`

	ScriptFile     string `json:"scriptFile"`
	ModelFile      string `json:"modelFile"`
	PseudoKeyFile  string `json:"pseudoKeyFile"`
	InputDir       string `json:"inputDir"`
	ImagesDir      string `json:"imagesDir"`
	QuarantineDir  string `json:"quarantineDir"`
	DefaultAnonPID string `json:"defaultAnonPatientId"`

	QuarantineOnMissingID bool `json:"quarantineOnMissingId"`
	RemovePixelPHI        bool `json:"removePixelPhi"`

	// StorageClasses restricts admitted SOP class UIDs. Empty means
	// all storage classes are accepted.
	StorageClasses []string `json:"storageClasses"`

	ManagementToken string `json:"managementToken"`
	BindAddress     string `json:"bindAddress"`

	DatasetWorkers       int `json:"datasetWorkers"`
	ModelAutosaveSeconds int `json:"modelAutosaveSeconds"`
}

// Load returns config with defaults overridden by anonymizer-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "anonymizer-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ManagementPort:        8081,
		LogLevel:              "info",
		ProjectName:           "DEFAULT",
		SiteID:                "SITE",
		UIDRoot:               "1.2.840.99999",
		ScriptFile:            "anonymizer-script.xml",
		ModelFile:             "private/model.db",
		ImagesDir:             "private/images",
		QuarantineDir:         "private/quarantine",
		DefaultAnonPID:        "SITE-000000",
		QuarantineOnMissingID: false,
		RemovePixelPHI:        false,
		BindAddress:           "127.0.0.1",
		DatasetWorkers:        2,
		ModelAutosaveSeconds:  30,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROJECT_NAME"); v != "" {
		cfg.ProjectName = v
	}
	if v := os.Getenv("SITE_ID"); v != "" {
		cfg.SiteID = v
	}
	if v := os.Getenv("UID_ROOT"); v != "" {
		cfg.UIDRoot = v
	}
	if v := os.Getenv("SCRIPT_FILE"); v != "" {
		cfg.ScriptFile = v
	}
	if v := os.Getenv("MODEL_FILE"); v != "" {
		cfg.ModelFile = v
	}
	if v := os.Getenv("PSEUDO_KEY_FILE"); v != "" {
		cfg.PseudoKeyFile = v
	}
	if v := os.Getenv("INPUT_DIR"); v != "" {
		cfg.InputDir = v
	}
	if v := os.Getenv("IMAGES_DIR"); v != "" {
		cfg.ImagesDir = v
	}
	if v := os.Getenv("QUARANTINE_DIR"); v != "" {
		cfg.QuarantineDir = v
	}
	if v := os.Getenv("DEFAULT_ANON_PATIENT_ID"); v != "" {
		cfg.DefaultAnonPID = v
	}
	if v := os.Getenv("QUARANTINE_ON_MISSING_ID"); v == "true" {
		cfg.QuarantineOnMissingID = true
	}
	if v := os.Getenv("REMOVE_PIXEL_PHI"); v == "true" {
		cfg.RemovePixelPHI = true
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("DATASET_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DatasetWorkers = n
		}
	}
	if v := os.Getenv("MODEL_AUTOSAVE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ModelAutosaveSeconds = n
		}
	}
}
