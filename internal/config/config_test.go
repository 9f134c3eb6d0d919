package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "flakeguard-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when the config file exists with valid content", func() {
			BeforeEach(func() {
				valid := `
server:
  webhook_port: "8080"
  metrics_port: "9090"

github:
  app_id: "12345"
  webhook_secret: "shh"
  private_key_path: "/etc/flakeguard/app.pem"

datastore:
  database_url: "postgres://localhost/flakeguard"
  broker_url: "redis://localhost:6379/0"

workers:
  concurrency_per_kind: 8
  job_deadline: 2m

retention:
  retain_days: 30
  interval: 12h

logging:
  level: "debug"
  dev: true
`
				Expect(os.WriteFile(configFile, []byte(valid), 0644)).To(Succeed())
			})

			It("loads every section", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.WebhookPort).To(Equal("8080"))
				Expect(cfg.GitHub.AppID).To(Equal("12345"))
				Expect(cfg.Datastore.DatabaseURL).To(Equal("postgres://localhost/flakeguard"))
				Expect(cfg.Workers.ConcurrencyPerKind).To(Equal(8))
				Expect(cfg.Workers.JobDeadline).To(Equal(2 * time.Minute))
				Expect(cfg.Retention.RetainDays).To(Equal(30))
				Expect(cfg.Logging.Level).To(Equal("debug"))
				Expect(cfg.Logging.Dev).To(BeTrue())
			})
		})

		Context("when the config file has minimal content", func() {
			BeforeEach(func() {
				minimal := `
github:
  app_id: "1"
  webhook_secret: "s"
  private_key_path: "/k.pem"

datastore:
  database_url: "postgres://x"
  broker_url: "redis://x"
`
				Expect(os.WriteFile(configFile, []byte(minimal), 0644)).To(Succeed())
			})

			It("applies defaults for everything else", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.WebhookPort).To(Equal("8080"))
				Expect(cfg.Workers.ConcurrencyPerKind).To(Equal(4))
				Expect(cfg.Breaker.FailureThreshold).To(Equal(uint32(5)))
				Expect(cfg.Breaker.OpenTimeout).To(Equal(5 * time.Minute))
				Expect(cfg.Retry.MaxAttempts).To(Equal(3))
				Expect(cfg.Retention.RetainDays).To(Equal(90))
			})
		})

		Context("when the config file does not exist", func() {
			It("returns a read error", func() {
				_, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when the config file has invalid YAML", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(configFile, []byte("server: [\n  bad"), 0644)).To(Succeed())
			})

			It("returns a parse error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when required fields are missing", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(configFile, []byte("server:\n  webhook_port: \"8080\"\n"), 0644)).To(Succeed())
			})

			It("fails validation", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("github app_id is required"))
			})
		})
	})

	Describe("validate", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = Default()
			cfg.GitHub.AppID = "1"
			cfg.GitHub.WebhookSecret = "s"
			cfg.GitHub.PrivateKeyPath = "/k.pem"
			cfg.Datastore.DatabaseURL = "postgres://x"
			cfg.Datastore.BrokerURL = "redis://x"
		})

		It("passes for a fully-populated config", func() {
			Expect(validate(cfg)).To(Succeed())
		})

		It("rejects a non-positive worker concurrency", func() {
			cfg.Workers.ConcurrencyPerKind = 0
			err := validate(cfg)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("concurrency_per_kind must be greater than 0"))
		})

		It("rejects an out-of-range reserved floor", func() {
			cfg.RateLimit.ReservedFloorPct = 1.5
			err := validate(cfg)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("reserved_floor_pct must be between 0.0 and 1.0"))
		})
	})

	Describe("loadFromEnv", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = &Config{}
			os.Clearenv()
		})

		AfterEach(func() {
			os.Clearenv()
		})

		It("applies overrides from the environment", func() {
			os.Setenv("FLAKEGUARD_WEBHOOK_PORT", "3000")
			os.Setenv("FLAKEGUARD_LOG_LEVEL", "warn")
			os.Setenv("FLAKEGUARD_WORKERS_CONCURRENCY_PER_KIND", "16")

			Expect(loadFromEnv(cfg)).To(Succeed())
			Expect(cfg.Server.WebhookPort).To(Equal("3000"))
			Expect(cfg.Logging.Level).To(Equal("warn"))
			Expect(cfg.Workers.ConcurrencyPerKind).To(Equal(16))
		})

		It("leaves the config untouched when nothing is set", func() {
			before := *cfg
			Expect(loadFromEnv(cfg)).To(Succeed())
			Expect(*cfg).To(Equal(before))
		})

		It("rejects a malformed integer override", func() {
			os.Setenv("FLAKEGUARD_WORKERS_CONCURRENCY_PER_KIND", "not-a-number")
			Expect(loadFromEnv(cfg)).To(HaveOccurred())
		})
	})
})
