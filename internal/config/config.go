// Package config loads the INI-style job configuration: one section per
// managed dataset, with a DEFAULT section providing fallback values, the
// same semantics Python's configparser gives the original tool this
// package replaces.
package config

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// ConfigError reports a missing or invalid configuration option. It is
// fatal at startup per the error taxonomy: the caller (cmd/zfs-uploader)
// turns a returned ConfigError into the documented exit code 1.
type ConfigError struct {
	Dataset string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Dataset == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Dataset, e.Reason)
}

const (
	defaultRegion       = "us-east-1"
	defaultStorageClass = "STANDARD"
	defaultMaxParts     = 10000
	defaultConcurrency  = 20
)

// JobConfig holds the recognized options for one managed dataset (§6 of
// the specification). Dataset is the section name the options came from.
type JobConfig struct {
	Dataset      string
	BucketName   string
	AccessKey    string
	SecretKey    string
	Region       string
	Endpoint     string
	Prefix       string
	Cron         string
	StorageClass string

	MaxSnapshots                 *int
	MaxBackups                   *int
	MaxIncrementalBackupsPerFull *int
	MaxParts                     int
	Concurrency                  int
}

// Load parses the INI file at path and returns one JobConfig per
// non-DEFAULT section, in file order.
func Load(path string) ([]*JobConfig, error) {
	f, err := ini.LoadSources(ini.LoadOptions{}, path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}

	def := f.Section(ini.DefaultSection)

	var jobs []*JobConfig
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}

		job, err := parseSection(sec, def)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func parseSection(sec, def *ini.Section) (*JobConfig, error) {
	name := sec.Name()

	get := func(key string) string {
		if sec.HasKey(key) {
			v := sec.Key(key).String()
			if v != "" {
				return v
			}
		}
		return def.Key(key).String()
	}

	job := &JobConfig{
		Dataset:      name,
		BucketName:   get("bucket_name"),
		AccessKey:    get("access_key"),
		SecretKey:    get("secret_key"),
		Region:       get("region"),
		Endpoint:     get("endpoint"),
		Prefix:       get("prefix"),
		Cron:         get("cron"),
		StorageClass: get("storage_class"),
	}

	if job.BucketName == "" {
		return nil, &ConfigError{Dataset: name, Reason: "bucket_name is required"}
	}
	if job.AccessKey == "" {
		return nil, &ConfigError{Dataset: name, Reason: "access_key is required"}
	}
	if job.SecretKey == "" {
		return nil, &ConfigError{Dataset: name, Reason: "secret_key is required"}
	}

	if job.Region == "" {
		job.Region = defaultRegion
	}
	if job.StorageClass == "" {
		job.StorageClass = defaultStorageClass
	}

	if v := get("max_snapshots"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &ConfigError{Dataset: name, Reason: "max_snapshots must be >= 0"}
		}
		job.MaxSnapshots = &n
	}

	if v := get("max_backups"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, &ConfigError{Dataset: name, Reason: "max_backups must be >= 1"}
		}
		job.MaxBackups = &n
	}

	if v := get("max_incremental_backups_per_full"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &ConfigError{Dataset: name, Reason: "max_incremental_backups_per_full must be >= 0"}
		}
		job.MaxIncrementalBackupsPerFull = &n
	}

	job.MaxParts = defaultMaxParts
	if v := get("max_parts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 101 {
			return nil, &ConfigError{Dataset: name, Reason: "max_parts must be > margin (100)"}
		}
		job.MaxParts = n
	}

	job.Concurrency = defaultConcurrency
	if v := get("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, &ConfigError{Dataset: name, Reason: "concurrency must be >= 1"}
		}
		job.Concurrency = n
	}

	return job, nil
}
