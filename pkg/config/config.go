// Package config loads the server's JSON configuration document the way
// the teacher's sorted/postgres and serverinit packages do: via
// go4.org/jsonconfig, validated so that unknown or missing required keys
// fail fast at startup rather than silently using zero values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"go4.org/jsonconfig"
)

// Config is the fully resolved server configuration (spec §6,
// Environment). Field names mirror the normative setting names; they are
// not meant to be the literal JSON keys (those are listed in Load).
type Config struct {
	// Database.
	DatabaseURL string

	// Object storage.
	StorageBackend string // "s3" or "local"
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	LocalStorageDir string

	// Rate limits: count per window.
	ConnectionRateLimit       int
	ConnectionRateWindow      time.Duration
	AskRateLimit              int
	AskRateWindow             time.Duration
	UploadRateLimit           int
	UploadRateWindow          time.Duration
	InviteRateLimit           int
	InviteRateWindow          time.Duration

	// Room behavior.
	QuiescenceIdle time.Duration

	// Content limits.
	ContentSizeCap   int64
	MaxAskPages      int
	MaxFileSizeBytes int64

	// Archive ingestion thresholds (spec §4.H).
	ArchiveMaxCompressionRatio float64
	ArchiveMaxTotalBytes       int64
	ArchiveMaxFileBytes        int64
	ArchiveMaxEntryCount       int
	ArchiveMaxPathDepth        int

	// Embeddings.
	EmbeddingDimensions int
	EmbeddingModel      string
	EmbeddingEncoding   string
	EmbeddingMaxTokens  int

	// Abuse (spec §4.I): per-severity violation count allowed within
	// the window before an automatic ban.
	AbuseWindow            time.Duration
	AbuseThresholdLow      int
	AbuseThresholdMedium   int
	AbuseThresholdHigh     int
	AbuseThresholdCritical int

	// Invitations.
	InvitationTTL time.Duration

	// Deployment identity, echoed into every log line via internal/reqlog.
	DeployID string

	// TokenSecretKey signs bearer tokens (pkg/auth) and local object-store
	// signed URLs (pkg/objectstore's Local backend). If the JSON document
	// omits it, Load generates a random one and logs a warning: every
	// previously issued token is invalidated on the next restart, which is
	// fine for a single dev process but not a rolling production fleet.
	TokenSecretKey []byte
}

// Defaults returns the configuration with every normative default from
// the spec applied. Load starts from this and overrides with whatever the
// JSON document specifies.
func Defaults() Config {
	return Config{
		StorageBackend:             "local",
		ConnectionRateLimit:        10,
		ConnectionRateWindow:       60 * time.Second,
		AskRateLimit:               30,
		AskRateWindow:              time.Hour,
		UploadRateLimit:            20,
		UploadRateWindow:           time.Hour,
		InviteRateLimit:            10,
		InviteRateWindow:           time.Hour,
		QuiescenceIdle:             5 * time.Second,
		ContentSizeCap:             10 << 20,
		MaxAskPages:                5,
		MaxFileSizeBytes:           100 << 20,
		ArchiveMaxCompressionRatio: 30,
		ArchiveMaxTotalBytes:       5 << 30,
		ArchiveMaxFileBytes:        1 << 30,
		ArchiveMaxEntryCount:       100000,
		ArchiveMaxPathDepth:        30,
		EmbeddingDimensions:        1536,
		EmbeddingModel:             "text-embedding-3-small",
		EmbeddingEncoding:          "cl100k_base",
		EmbeddingMaxTokens:         8191,
		AbuseWindow:                30 * 24 * time.Hour,
		AbuseThresholdLow:          50,
		AbuseThresholdMedium:       10,
		AbuseThresholdHigh:         3,
		AbuseThresholdCritical:     1,
		InvitationTTL:              7 * 24 * time.Hour,
		DeployID:                   "dev",
	}
}

// Load parses the JSON document read from r into a Config, starting from
// Defaults and overriding whatever keys are present. It mirrors the
// teacher's jsonconfig.Obj pattern: RequiredString/OptionalString accessors
// followed by a mandatory cfg.Validate() call that rejects unrecognized
// keys, catching config typos at startup instead of at first use.
func Load(r io.Reader) (Config, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("config: decoding JSON: %w", err)
	}
	cfg := jsonconfig.Obj(raw)

	c := Defaults()
	c.DatabaseURL = cfg.RequiredString("databaseURL")
	c.StorageBackend = cfg.OptionalString("storageBackend", c.StorageBackend)
	c.S3Bucket = cfg.OptionalString("s3Bucket", "")
	c.S3Region = cfg.OptionalString("s3Region", "us-east-1")
	c.S3Endpoint = cfg.OptionalString("s3Endpoint", "")
	c.S3AccessKey = cfg.OptionalString("s3AccessKey", "")
	c.S3SecretKey = cfg.OptionalString("s3SecretKey", "")
	c.LocalStorageDir = cfg.OptionalString("localStorageDir", "./data/blobs")

	c.ConnectionRateLimit = cfg.OptionalInt("connectionRateLimit", c.ConnectionRateLimit)
	c.ConnectionRateWindow = seconds(cfg.OptionalInt("connectionRateWindowSeconds", int(c.ConnectionRateWindow.Seconds())))
	c.AskRateLimit = cfg.OptionalInt("askRateLimit", c.AskRateLimit)
	c.AskRateWindow = seconds(cfg.OptionalInt("askRateWindowSeconds", int(c.AskRateWindow.Seconds())))
	c.UploadRateLimit = cfg.OptionalInt("uploadRateLimit", c.UploadRateLimit)
	c.UploadRateWindow = seconds(cfg.OptionalInt("uploadRateWindowSeconds", int(c.UploadRateWindow.Seconds())))
	c.InviteRateLimit = cfg.OptionalInt("inviteRateLimit", c.InviteRateLimit)
	c.InviteRateWindow = seconds(cfg.OptionalInt("inviteRateWindowSeconds", int(c.InviteRateWindow.Seconds())))

	c.QuiescenceIdle = seconds(cfg.OptionalInt("quiescenceIdleSeconds", int(c.QuiescenceIdle.Seconds())))

	c.ContentSizeCap = int64(cfg.OptionalInt("contentSizeCapBytes", int(c.ContentSizeCap)))
	c.MaxAskPages = cfg.OptionalInt("maxAskPages", c.MaxAskPages)
	c.MaxFileSizeBytes = int64(cfg.OptionalInt("maxFileSizeBytes", int(c.MaxFileSizeBytes)))

	c.ArchiveMaxCompressionRatio = float64(cfg.OptionalInt("archiveMaxCompressionRatio", int(c.ArchiveMaxCompressionRatio)))
	c.ArchiveMaxTotalBytes = int64(cfg.OptionalInt("archiveMaxTotalBytes", int(c.ArchiveMaxTotalBytes)))
	c.ArchiveMaxFileBytes = int64(cfg.OptionalInt("archiveMaxFileBytes", int(c.ArchiveMaxFileBytes)))
	c.ArchiveMaxEntryCount = cfg.OptionalInt("archiveMaxEntryCount", c.ArchiveMaxEntryCount)
	c.ArchiveMaxPathDepth = cfg.OptionalInt("archiveMaxPathDepth", c.ArchiveMaxPathDepth)

	c.EmbeddingDimensions = cfg.OptionalInt("embeddingDimensions", c.EmbeddingDimensions)
	c.EmbeddingModel = cfg.OptionalString("embeddingModel", c.EmbeddingModel)
	c.EmbeddingEncoding = cfg.OptionalString("embeddingEncoding", c.EmbeddingEncoding)
	c.EmbeddingMaxTokens = cfg.OptionalInt("embeddingMaxTokens", c.EmbeddingMaxTokens)

	c.AbuseWindow = seconds(cfg.OptionalInt("abuseWindowSeconds", int(c.AbuseWindow.Seconds())))
	c.AbuseThresholdLow = cfg.OptionalInt("abuseThresholdLow", c.AbuseThresholdLow)
	c.AbuseThresholdMedium = cfg.OptionalInt("abuseThresholdMedium", c.AbuseThresholdMedium)
	c.AbuseThresholdHigh = cfg.OptionalInt("abuseThresholdHigh", c.AbuseThresholdHigh)
	c.AbuseThresholdCritical = cfg.OptionalInt("abuseThresholdCritical", c.AbuseThresholdCritical)

	c.InvitationTTL = seconds(cfg.OptionalInt("invitationTTLSeconds", int(c.InvitationTTL.Seconds())))
	c.DeployID = cfg.OptionalString("deployID", c.DeployID)

	if hexKey := cfg.OptionalString("tokenSecretKeyHex", ""); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return Config{}, fmt.Errorf("config: tokenSecretKeyHex: %w", err)
		}
		c.TokenSecretKey = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if len(c.TokenSecretKey) == 0 {
		c.TokenSecretKey = make([]byte, 32)
		if _, err := rand.Read(c.TokenSecretKey); err != nil {
			return Config{}, fmt.Errorf("config: generating fallback token secret key: %w", err)
		}
		log.Printf("config: tokenSecretKeyHex not set; generated an ephemeral key for this process (every previously issued token is now invalid)")
	}
	return c, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
