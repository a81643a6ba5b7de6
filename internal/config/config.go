package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port      string
		AdminPort string
		LogLevel  string
	}
	JWT struct {
		Secret       string
		Issuer       string
		Audience     string
		MaxTTLSec    int
		NonceTTL     int
		AuthWindow   int
		DevAllowNone bool
	}
	Gateway struct {
		IPAllowlist     []string
		OriginAllowlist []string
		TrustProxy      bool
		ConnPerMin      int
		MsgsPerSec      int
		BytesPerSec     int
		MaxFrameBytes   int
		AudioBufFrames  int
		IdleTimeoutSec  int
		JitterWarnMS    int
	}
	Phone struct {
		DefaultCountry string
		Pepper         string
		PreviousPepper string
	}
	Redis struct {
		URL string
	}
	Realtime struct {
		Backend        string
		AllowEgress    bool
		FallbackPolicy string
		ProviderURL    string
		ProviderKey    string
		ProviderModel  string
		Language       string
		ErrorBurst     int
		ErrorWindowSec int
		TriggerP95MS   float64
		CooldownSec    int
		OllamaURL      string
		LLMModel       string
		WhisperURL     string
		PiperPath      string
		PiperVoice     string
	}
	RL struct {
		BaseVariant      string
		Variants         []string
		StateDir         string
		SplitNew         float64
		SplitUncertain   float64
		MinPulls         int
		BlacklistReward  float64
		UncertainConf    float64
		MaxActive        int
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 9102)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("jwt.issuer", "tom-telephony")
	v.SetDefault("jwt.audience", "tom-gateway")
	v.SetDefault("jwt.max_ttl_sec", 60)
	v.SetDefault("jwt.nonce_ttl", 120)
	v.SetDefault("jwt.auth_window", 5)
	v.SetDefault("jwt.dev_allow_none", false)

	v.SetDefault("gateway.trust_proxy", false)
	v.SetDefault("gateway.conn_per_min", 30)
	v.SetDefault("gateway.msgs_per_sec", 120)
	v.SetDefault("gateway.bytes_per_sec", 262144)
	v.SetDefault("gateway.max_frame_bytes", 65536)
	v.SetDefault("gateway.audio_buf_frames", 50)
	v.SetDefault("gateway.idle_timeout_sec", 30)
	v.SetDefault("gateway.jitter_warn_ms", 200)

	v.SetDefault("phone.default_country", "+49")

	v.SetDefault("realtime.backend", "local")
	v.SetDefault("realtime.allow_egress", false)
	v.SetDefault("realtime.fallback_policy", "provider_then_local")
	v.SetDefault("realtime.provider_url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.provider_model", "gpt-4o-realtime-preview-2024-10-01")
	v.SetDefault("realtime.language", "de")
	v.SetDefault("realtime.error_burst", 3)
	v.SetDefault("realtime.error_window_sec", 60)
	v.SetDefault("realtime.trigger_p95_ms", 800)
	v.SetDefault("realtime.cooldown_sec", 600)
	v.SetDefault("realtime.ollama_url", "http://localhost:11434")
	v.SetDefault("realtime.llm_model", "llama3.2")
	v.SetDefault("realtime.whisper_url", "http://localhost:9090")
	v.SetDefault("realtime.piper_path", "piper")
	v.SetDefault("realtime.piper_voice", "de_DE-thorsten-medium")

	v.SetDefault("rl.base_variant", "v1a")
	v.SetDefault("rl.state_dir", "data/rl")
	v.SetDefault("rl.split_new", 0.10)
	v.SetDefault("rl.split_uncertain", 0.20)
	v.SetDefault("rl.min_pulls", 20)
	v.SetDefault("rl.blacklist_reward", -0.2)
	v.SetDefault("rl.uncertain_conf", 0.6)
	v.SetDefault("rl.max_active", 5)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.admin_port", "ADMIN_PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")

	v.BindEnv("jwt.secret", "JWT_SECRET")
	v.BindEnv("jwt.issuer", "JWT_ISSUER")
	v.BindEnv("jwt.audience", "JWT_AUDIENCE")
	v.BindEnv("jwt.max_ttl_sec", "JWT_MAX_TTL_SECONDS")
	v.BindEnv("jwt.nonce_ttl", "JWT_NONCE_TTL_SEC")
	v.BindEnv("jwt.auth_window", "JWT_AUTH_WINDOW_SEC")
	v.BindEnv("jwt.dev_allow_none", "DEV_ALLOW_NO_JWT")

	v.BindEnv("gateway.ip_allowlist", "WS_GATEWAY_IP_ALLOWLIST")
	v.BindEnv("gateway.origin_allowlist", "WS_GATEWAY_ORIGIN_ALLOWLIST")
	v.BindEnv("gateway.trust_proxy", "WS_TRUST_PROXY_HEADER")
	v.BindEnv("gateway.conn_per_min", "RATE_LIMIT_CONN_PER_MIN")
	v.BindEnv("gateway.msgs_per_sec", "RATE_LIMIT_MSGS_PER_SEC")
	v.BindEnv("gateway.bytes_per_sec", "RATE_LIMIT_BYTES_PER_SEC")
	v.BindEnv("gateway.max_frame_bytes", "MAX_FRAME_SIZE")
	v.BindEnv("gateway.audio_buf_frames", "WS_MAX_AUDIO_BUFFER")
	v.BindEnv("gateway.idle_timeout_sec", "WS_IDLE_TIMEOUT_SEC")
	v.BindEnv("gateway.jitter_warn_ms", "WS_JITTER_WARN_MS")

	v.BindEnv("phone.default_country", "PHONE_DEFAULT_COUNTRY")
	v.BindEnv("phone.pepper", "PHONE_PEPPER")
	v.BindEnv("phone.previous_pepper", "PHONE_PEPPER_PREVIOUS")

	v.BindEnv("redis.url", "REDIS_URL")

	v.BindEnv("realtime.backend", "REALTIME_BACKEND")
	v.BindEnv("realtime.allow_egress", "ALLOW_EGRESS")
	v.BindEnv("realtime.fallback_policy", "FALLBACK_POLICY")
	v.BindEnv("realtime.provider_url", "REALTIME_WS_URL")
	v.BindEnv("realtime.provider_key", "REALTIME_API_KEY")
	v.BindEnv("realtime.provider_model", "REALTIME_MODEL")
	v.BindEnv("realtime.language", "REALTIME_LANGUAGE")
	v.BindEnv("realtime.error_burst", "FALLBACK_ERROR_BURST")
	v.BindEnv("realtime.error_window_sec", "FALLBACK_ERROR_WINDOW")
	v.BindEnv("realtime.trigger_p95_ms", "FALLBACK_TRIGGER_MS")
	v.BindEnv("realtime.cooldown_sec", "FALLBACK_COOLDOWN_SEC")
	v.BindEnv("realtime.ollama_url", "OLLAMA_URL")
	v.BindEnv("realtime.llm_model", "LLM_MODEL")
	v.BindEnv("realtime.whisper_url", "WHISPER_URL")
	v.BindEnv("realtime.piper_path", "PIPER_PATH")
	v.BindEnv("realtime.piper_voice", "PIPER_VOICE")

	v.BindEnv("rl.base_variant", "RL_BASE_VARIANT")
	v.BindEnv("rl.variants", "RL_VARIANTS")
	v.BindEnv("rl.state_dir", "RL_STATE_DIR")
	v.BindEnv("rl.split_new", "RL_SPLIT_NEW")
	v.BindEnv("rl.split_uncertain", "RL_SPLIT_UNCERTAIN")
	v.BindEnv("rl.min_pulls", "RL_MIN_PULLS")
	v.BindEnv("rl.blacklist_reward", "RL_BLACKLIST_REWARD")
	v.BindEnv("rl.uncertain_conf", "RL_UNCERTAIN_CONF")
	v.BindEnv("rl.max_active", "RL_MAX_ACTIVE_VARIANTS")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.AdminPort = toString(v.Get("server.admin_port"))
	c.Server.LogLevel = v.GetString("server.log_level")

	c.JWT.Secret = v.GetString("jwt.secret")
	c.JWT.Issuer = v.GetString("jwt.issuer")
	c.JWT.Audience = v.GetString("jwt.audience")
	c.JWT.MaxTTLSec = v.GetInt("jwt.max_ttl_sec")
	c.JWT.NonceTTL = v.GetInt("jwt.nonce_ttl")
	c.JWT.AuthWindow = v.GetInt("jwt.auth_window")
	c.JWT.DevAllowNone = v.GetBool("jwt.dev_allow_none")

	c.Gateway.IPAllowlist = splitList(v.GetString("gateway.ip_allowlist"))
	c.Gateway.OriginAllowlist = splitList(v.GetString("gateway.origin_allowlist"))
	c.Gateway.TrustProxy = v.GetBool("gateway.trust_proxy")
	c.Gateway.ConnPerMin = v.GetInt("gateway.conn_per_min")
	c.Gateway.MsgsPerSec = v.GetInt("gateway.msgs_per_sec")
	c.Gateway.BytesPerSec = v.GetInt("gateway.bytes_per_sec")
	c.Gateway.MaxFrameBytes = v.GetInt("gateway.max_frame_bytes")
	c.Gateway.AudioBufFrames = v.GetInt("gateway.audio_buf_frames")
	c.Gateway.IdleTimeoutSec = v.GetInt("gateway.idle_timeout_sec")
	c.Gateway.JitterWarnMS = v.GetInt("gateway.jitter_warn_ms")

	c.Phone.DefaultCountry = v.GetString("phone.default_country")
	c.Phone.Pepper = v.GetString("phone.pepper")
	c.Phone.PreviousPepper = v.GetString("phone.previous_pepper")

	c.Redis.URL = v.GetString("redis.url")

	c.Realtime.Backend = v.GetString("realtime.backend")
	c.Realtime.AllowEgress = v.GetBool("realtime.allow_egress")
	c.Realtime.FallbackPolicy = v.GetString("realtime.fallback_policy")
	c.Realtime.ProviderURL = v.GetString("realtime.provider_url")
	c.Realtime.ProviderKey = v.GetString("realtime.provider_key")
	c.Realtime.ProviderModel = v.GetString("realtime.provider_model")
	c.Realtime.Language = v.GetString("realtime.language")
	c.Realtime.ErrorBurst = v.GetInt("realtime.error_burst")
	c.Realtime.ErrorWindowSec = v.GetInt("realtime.error_window_sec")
	c.Realtime.TriggerP95MS = v.GetFloat64("realtime.trigger_p95_ms")
	c.Realtime.CooldownSec = v.GetInt("realtime.cooldown_sec")
	c.Realtime.OllamaURL = v.GetString("realtime.ollama_url")
	c.Realtime.LLMModel = v.GetString("realtime.llm_model")
	c.Realtime.WhisperURL = v.GetString("realtime.whisper_url")
	c.Realtime.PiperPath = v.GetString("realtime.piper_path")
	c.Realtime.PiperVoice = v.GetString("realtime.piper_voice")

	c.RL.BaseVariant = v.GetString("rl.base_variant")
	c.RL.Variants = splitList(v.GetString("rl.variants"))
	c.RL.StateDir = v.GetString("rl.state_dir")
	c.RL.SplitNew = v.GetFloat64("rl.split_new")
	c.RL.SplitUncertain = v.GetFloat64("rl.split_uncertain")
	c.RL.MinPulls = v.GetInt("rl.min_pulls")
	c.RL.BlacklistReward = v.GetFloat64("rl.blacklist_reward")
	c.RL.UncertainConf = v.GetFloat64("rl.uncertain_conf")
	c.RL.MaxActive = v.GetInt("rl.max_active")

	log.Printf("config loaded: port=%s admin_port=%s backend=%s base_variant=%s",
		c.Server.Port, c.Server.AdminPort, c.Realtime.Backend, c.RL.BaseVariant)
	if c.JWT.DevAllowNone {
		log.Printf("config: DEV_ALLOW_NO_JWT set, token checks are OFF")
	}
	return c
}

func toString(v any) string { return fmt.Sprint(v) }

// splitList parses a comma-separated env value, dropping empty items.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
