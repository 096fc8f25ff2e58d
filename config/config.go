// Package config loads the runtime Configuration shared by the wire, soap,
// subscription and httpserver packages from an INI file, falling back to
// fixed defaults for anything unset.
package config

import (
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Configuration bundles the tunables spec.md §6 assigns fixed defaults to.
type Configuration struct {
	BindingPort            uint16
	SubscriptionTimeoutSec uint32
	HTTPReadTimeoutSec     uint32
	HTTPRetryAttempts      int
	TLSEnabled             bool
	TLSVerifyPeer          bool
	TLSCipherList          string
}

// Default returns the configuration spec.md's fixed defaults describe.
func Default() Configuration {
	return Configuration{
		BindingPort:            0, // 0 == ephemeral port chosen by the OS
		SubscriptionTimeoutSec: 1800,
		HTTPReadTimeoutSec:     30,
		HTTPRetryAttempts:      3,
		TLSEnabled:             false,
		TLSVerifyPeer:          false,
		TLSCipherList:          "HIGH:!aNULL:!kRSA:!SRP:!PSK:!CAMELLIA:!RC4:!MD5:!DSS",
	}
}

// LoadINI reads path and overlays any keys present in its [upnpav] section
// onto Default(). A missing file is an error; missing keys are not.
func LoadINI(path string) (Configuration, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return Configuration{}, errors.Wrapf(err, "load config %s", path)
	}

	sec := f.Section("upnpav")

	if k := sec.Key("bindingPort"); k.String() != "" {
		v, err := k.Uint()
		if err != nil {
			return Configuration{}, errors.Wrap(err, "parse bindingPort")
		}
		cfg.BindingPort = uint16(v)
	}
	if k := sec.Key("subscriptionTimeoutSec"); k.String() != "" {
		v, err := k.Uint()
		if err != nil {
			return Configuration{}, errors.Wrap(err, "parse subscriptionTimeoutSec")
		}
		cfg.SubscriptionTimeoutSec = uint32(v)
	}
	if k := sec.Key("httpReadTimeoutSec"); k.String() != "" {
		v, err := k.Uint()
		if err != nil {
			return Configuration{}, errors.Wrap(err, "parse httpReadTimeoutSec")
		}
		cfg.HTTPReadTimeoutSec = uint32(v)
	}
	if k := sec.Key("httpRetryAttempts"); k.String() != "" {
		v, err := k.Int()
		if err != nil {
			return Configuration{}, errors.Wrap(err, "parse httpRetryAttempts")
		}
		cfg.HTTPRetryAttempts = v
	}
	if k := sec.Key("tlsEnabled"); k.String() != "" {
		v, err := k.Bool()
		if err != nil {
			return Configuration{}, errors.Wrap(err, "parse tlsEnabled")
		}
		cfg.TLSEnabled = v
	}
	if k := sec.Key("tlsVerifyPeer"); k.String() != "" {
		v, err := k.Bool()
		if err != nil {
			return Configuration{}, errors.Wrap(err, "parse tlsVerifyPeer")
		}
		cfg.TLSVerifyPeer = v
	}
	if k := sec.Key("tlsCipherList"); k.String() != "" {
		cfg.TLSCipherList = k.String()
	}

	return cfg, nil
}
