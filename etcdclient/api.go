// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package etcdclient constructs etcd clientv3 clients for the etcd-backed
// lock-manager backend, with TLS material resolved from the conf or from
// the conventional per-host cert layout.
package etcdclient

import (
	"os"
	"time"

	etcd "go.etcd.io/etcd/clientv3"
	etcdtransport "go.etcd.io/etcd/pkg/transport"

	"github.com/NVIDIA/glockmgr/conf"
)

const (
	defaultCertPath      = "/etc/ssl/etcd/ssl/"
	defaultTrustedCAFile = defaultCertPath + "ca.pem"

	defaultAutoSyncInterval = time.Minute
	defaultDialTimeout      = 10 * time.Second
)

// Options carries the connection parameters for New(). Zero-valued fields
// fall back to the conventional defaults.
type Options struct {
	Endpoints        []string
	AutoSyncInterval time.Duration
	DialTimeout      time.Duration
	CertFile         string
	KeyFile          string
	TrustedCAFile    string
	DisableTLS       bool
}

// OptionsFromConfMap reads the [EtcdClient] section. Only Endpoints is
// required; everything else defaults.
func OptionsFromConfMap(confMap conf.ConfMap) (options Options, err error) {
	options.Endpoints, err = confMap.FetchOptionValueStringSlice("EtcdClient", "Endpoints")
	if err != nil {
		return
	}

	options.AutoSyncInterval, err = confMap.FetchOptionValueDuration("EtcdClient", "AutoSyncInterval")
	if err != nil {
		options.AutoSyncInterval = defaultAutoSyncInterval
		err = nil
	}
	options.DialTimeout, err = confMap.FetchOptionValueDuration("EtcdClient", "DialTimeout")
	if err != nil {
		options.DialTimeout = defaultDialTimeout
		err = nil
	}
	options.DisableTLS, err = confMap.FetchOptionValueBool("EtcdClient", "DisableTLS")
	if err != nil {
		options.DisableTLS = false
		err = nil
	}
	if !options.DisableTLS {
		options.CertFile, err = confMap.FetchOptionValueString("EtcdClient", "CertFile")
		if err != nil {
			options.CertFile = ""
			err = nil
		}
		options.KeyFile, err = confMap.FetchOptionValueString("EtcdClient", "KeyFile")
		if err != nil {
			options.KeyFile = ""
			err = nil
		}
		options.TrustedCAFile, err = confMap.FetchOptionValueString("EtcdClient", "TrustedCAFile")
		if err != nil {
			options.TrustedCAFile = ""
			err = nil
		}
	}
	return
}

// New initializes etcd config structures and returns a connected etcd
// client per the supplied options.
func New(options Options) (etcdClient *etcd.Client, err error) {
	if options.AutoSyncInterval == 0 {
		options.AutoSyncInterval = defaultAutoSyncInterval
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = defaultDialTimeout
	}

	etcdConfig := etcd.Config{
		Endpoints:        options.Endpoints,
		AutoSyncInterval: options.AutoSyncInterval,
		DialTimeout:      options.DialTimeout,
	}

	if !options.DisableTLS {
		certFile := options.CertFile
		keyFile := options.KeyFile
		caFile := options.TrustedCAFile
		if certFile == "" || keyFile == "" {
			// Certs are named based on the host name.
			h, _ := os.Hostname()
			certFile = defaultCertPath + "node-" + h + ".pem"
			keyFile = defaultCertPath + "node-" + h + "-key.pem"
		}
		if caFile == "" {
			// If we have a local CA then use it. Otherwise, use the
			// system wide CA.
			_, statErr := os.Stat(defaultTrustedCAFile)
			if statErr == nil {
				caFile = defaultTrustedCAFile
			}
		}

		tlsInfo := etcdtransport.TLSInfo{
			CertFile:      certFile,
			KeyFile:       keyFile,
			TrustedCAFile: caFile,
		}
		etcdConfig.TLS, err = tlsInfo.ClientConfig()
		if err != nil {
			return
		}
	}

	etcdClient, err = etcd.New(etcdConfig)
	return
}
