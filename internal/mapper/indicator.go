// File: internal/mapper/indicator.go
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/ctibridge/api/schemas"
)

// Standard TLP marking definitions and the level names the remote product uses.
var tlpMarkings = map[string]string{
	"marking-definition--613f2e26-407d-48c7-9eca-b8e91df99dc9": "white",
	"marking-definition--34098fce-860f-48ae-8e50-ebd3cc5e41da": "green",
	"marking-definition--f88d31f6-486f-44da-b317-01333bde0b82": "amber",
	"marking-definition--5e57c739-391a-4eb3-b6be-7d15ca92d5ed": "red",
}

var tlpRank = map[string]int{"unknown": 0, "white": 1, "green": 2, "amber": 3, "red": 4}

// threatTypes are the threat categories accepted by the remote product, keyed
// by their lower-cased label.
var threatTypes = map[string]string{
	"botnet":       "Botnet",
	"c2":           "C2",
	"cryptomining": "CryptoMining",
	"darknet":      "Darknet",
	"ddos":         "DDoS",
	"maliciousurl": "MaliciousUrl",
	"malware":      "Malware",
	"phishing":     "Phishing",
	"proxy":        "Proxy",
	"pua":          "PUA",
	"watchlist":    "WatchList",
}

// networkFields maps network observable types to the request field carrying their value.
var networkFields = map[string]string{
	"ipv4-addr":   "networkIPv4",
	"ipv6-addr":   "networkIPv6",
	"domain-name": "domainName",
	"url":         "url",
}

// hashPreference is the order hash algorithms are tried in, with the remote
// product's name for each.
var hashPreference = []struct {
	key, name string
}{
	{"SHA-256", "sha256"},
	{"SHA-1", "sha1"},
	{"MD5", "md5"},
}

// IndicatorOptions carries the integration-level settings applied to every request.
type IndicatorOptions struct {
	TargetProduct string
	Action        string
	TLPLevel      string
	PassiveOnly   bool
	ExpireDays    int
	Now           func() time.Time
}

// IndicatorRequest is the flat create/update body sent to the remote product.
type IndicatorRequest struct {
	ThreatType            string   `json:"threatType"`
	Description           string   `json:"description"`
	Tags                  []string `json:"tags"`
	Confidence            int      `json:"confidence"`
	ExternalID            string   `json:"externalId"`
	LastReportedDateTime  string   `json:"lastReportedDateTime,omitempty"`
	ExpirationDateTime    string   `json:"expirationDateTime"`
	Action                string   `json:"action"`
	TLPLevel              string   `json:"tlpLevel"`
	PassiveOnly           string   `json:"passiveOnly"`
	TargetProduct         string   `json:"targetProduct"`
	AdditionalInformation string   `json:"additionalInformation,omitempty"`

	NetworkIPv4        string `json:"networkIPv4,omitempty"`
	NetworkIPv6        string `json:"networkIPv6,omitempty"`
	DomainName         string `json:"domainName,omitempty"`
	URL                string `json:"url,omitempty"`
	EmailSenderAddress string `json:"emailSenderAddress,omitempty"`
	EmailSenderName    string `json:"emailSenderName,omitempty"`
	FileHashType       string `json:"fileHashType,omitempty"`
	FileHashValue      string `json:"fileHashValue,omitempty"`
}

// SupportsObservable reports whether an observable type can be pushed to the remote product.
func SupportsObservable(obsType string) bool {
	_, network := networkFields[obsType]
	return network || obsType == "email-addr" || obsType == "file"
}

// BuildIndicatorRequest maps a platform observable to a remote request body.
// Unsupported observable types, and files without a usable hash, return
// schemas.ErrUnsupportedObservable.
func BuildIndicatorRequest(obs schemas.Observable, opts IndicatorOptions) (*IndicatorRequest, error) {
	if !SupportsObservable(obs.Type) {
		return nil, fmt.Errorf("%s: %w", obs.Type, schemas.ErrUnsupportedObservable)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	expireDays := opts.ExpireDays
	if expireDays <= 0 {
		expireDays = 30
	}

	ext, _ := obs.Extension()
	req := &IndicatorRequest{
		ThreatType:           threatTypeOf(obs),
		Description:          descriptionOf(obs, ext),
		Tags:                 tagsOf(obs, ext),
		Confidence:           DefaultScore,
		ExternalID:           obs.ExternalID(),
		LastReportedDateTime: ext.UpdatedAt,
		ExpirationDateTime:   now().UTC().AddDate(0, 0, expireDays).Format(time.RFC3339),
		Action:               opts.Action,
		TLPLevel:             opts.TLPLevel,
		PassiveOnly:          strconv.FormatBool(opts.PassiveOnly),
		TargetProduct:        opts.TargetProduct,
	}
	if obs.Confidence != nil {
		req.Confidence = *obs.Confidence
	}
	if req.Action == "" {
		req.Action = "alert"
	}
	if req.TLPLevel == "" {
		req.TLPLevel = tlpLevelOf(obs)
	}
	if ext.Score != nil {
		req.AdditionalInformation = strconv.Itoa(*ext.Score)
	}

	switch obs.Type {
	case "ipv4-addr":
		req.NetworkIPv4 = obs.Value
	case "ipv6-addr":
		req.NetworkIPv6 = obs.Value
	case "domain-name":
		req.DomainName = obs.Value
	case "url":
		req.URL = obs.Value
	case "email-addr":
		req.EmailSenderAddress = obs.Value
		req.EmailSenderName = obs.DisplayName
	case "file":
		hashType, hashValue, ok := preferredHash(obs.Hashes)
		if !ok {
			return nil, fmt.Errorf("file %s has no supported hash: %w", obs.ID, schemas.ErrUnsupportedObservable)
		}
		req.FileHashType = hashType
		req.FileHashValue = hashValue
	}
	return req, nil
}

func preferredHash(hashes map[string]string) (string, string, bool) {
	normalized := make(map[string]string, len(hashes))
	for k, v := range hashes {
		normalized[strings.ToUpper(strings.ReplaceAll(k, "_", "-"))] = v
	}
	for _, h := range hashPreference {
		if v := normalized[h.key]; v != "" {
			return h.name, v, true
		}
	}
	return "", "", false
}

func threatTypeOf(obs schemas.Observable) string {
	for _, label := range obs.Labels {
		key := strings.ToLower(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(label))
		if t, ok := threatTypes[key]; ok {
			return t
		}
	}
	return "WatchList"
}

func descriptionOf(obs schemas.Observable, ext schemas.ObservableExtension) string {
	switch {
	case obs.Description != "":
		return obs.Description
	case ext.Description != "":
		return ext.Description
	}
	return "No description"
}

func tagsOf(obs schemas.Observable, ext schemas.ObservableExtension) []string {
	seen := make(map[string]bool)
	tags := []string{}
	for _, l := range append(append([]string{}, obs.Labels...), ext.Labels...) {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		tags = append(tags, l)
	}
	return tags
}

// tlpLevelOf returns the most restrictive TLP level among the observable's markings.
func tlpLevelOf(obs schemas.Observable) string {
	level := "unknown"
	for _, ref := range obs.MarkingRefs {
		if l, ok := tlpMarkings[ref]; ok && tlpRank[l] > tlpRank[level] {
			level = l
		}
	}
	return level
}
