package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the agent configuration
type Config struct {
	SIPUser       string
	SIPDomain     string // registrar domain; empty disables registration
	SIPPassword   string // environment only, never a flag
	BindAddr      string
	SIPPort       int
	AdvertiseAddr string // Address to advertise in Contact headers and SDP
	RTPPortMin    int
	RTPPortMax    int

	SampleRate     int // PCM rate at the public audio boundary
	DialTimeout    time.Duration
	RegisterExpiry time.Duration
	TempDir        string
	DirectCapture  bool
	LogLevel       string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.SIPUser, "user", "", "SIP account user")
	flag.StringVar(&cfg.SIPDomain, "domain", "", "SIP registrar domain (empty disables registration)")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.IntVar(&cfg.SIPPort, "sip-port", 5060, "SIP listen port")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP/SDP (auto-detected if not set)")
	flag.IntVar(&cfg.RTPPortMin, "rtp-port-min", 10000, "Minimum RTP port")
	flag.IntVar(&cfg.RTPPortMax, "rtp-port-max", 20000, "Maximum RTP port")
	flag.IntVar(&cfg.SampleRate, "sample-rate", 16000, "PCM sample rate at the audio boundary")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 30*time.Second, "How long to wait for an outbound call to be answered")
	flag.DurationVar(&cfg.RegisterExpiry, "register-expiry", 300*time.Second, "Registration expiry requested from the registrar")
	flag.StringVar(&cfg.TempDir, "temp-dir", os.TempDir(), "Directory for capture and playback temp files")
	flag.BoolVar(&cfg.DirectCapture, "direct-capture", false, "Capture audio via engine frame callbacks instead of recording files")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")

	flag.Parse()

	// Environment overrides
	if v := os.Getenv("SIP_USER"); v != "" {
		cfg.SIPUser = v
	}
	if v := os.Getenv("SIP_DOMAIN"); v != "" {
		cfg.SIPDomain = v
	}
	cfg.SIPPassword = os.Getenv("SIP_PASSWORD")
	if v := os.Getenv("BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("SIP_PORT"); v != "" {
		cfg.SIPPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	} else if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if v := os.Getenv("RTP_PORT_MIN"); v != "" {
		cfg.RTPPortMin, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("RTP_PORT_MAX"); v != "" {
		cfg.RTPPortMax, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("SAMPLE_RATE"); v != "" {
		cfg.SampleRate, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DialTimeout = d
		}
	}
	if v := os.Getenv("REGISTER_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RegisterExpiry = d
		}
	}
	if v := os.Getenv("TEMP_DIR"); v != "" {
		cfg.TempDir = v
	}
	if v := os.Getenv("DIRECT_CAPTURE"); v != "" {
		cfg.DirectCapture, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
