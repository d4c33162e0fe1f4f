// Package risk scores execution requests heuristically before policy
// evaluation. The score is additive over weighted factors and monotonic:
// adding a tool, a privileged capability, or an untrusted provenance flag
// never lowers it. Levels are fixed boundaries on the cumulative score.
package risk

import (
	"fmt"
	"strings"

	"github.com/openclaw/warden/pkg/contracts"
)

// Level is the qualitative band derived from a cumulative score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Level boundaries on the cumulative score.
const (
	mediumFloor   = 25
	highFloor     = 50
	criticalFloor = 75
)

// Factor weights. Tuned so that a single benign tool stays low and the
// dangerous combinations (external network + writes, deprecated skill,
// unpinned provenance) climb bands quickly.
const (
	weightPerExtraTool      = 5
	weightSkillDraft        = 15
	weightSkillDeprecated   = 25
	weightAdapterMediumRisk = 10
	weightAdapterHighRisk   = 25
	weightPrivilegedCap     = 15
	weightNetworkAndWrite   = 20
	weightUntested          = 15
	weightUnpinned          = 10
	weightSensitiveData     = 20
	weightHighTemperature   = 5
	weightCustomFlag        = 10
)

// privilegedCapabilities are capability names that carry weight on their own.
var privilegedCapabilities = map[string]bool{
	"external_network": true,
	"filesystem_write": true,
	"shell_exec":       true,
	"credential_read":  true,
	"package_install":  true,
}

// Input carries every signal the scorer considers. Zero values are neutral.
type Input struct {
	Tools            []string
	SkillID          string
	SkillState       string // active, draft, deprecated
	SkillTested      bool
	SkillPinned      bool
	Temperature      float64
	DataSensitivity  string // none, internal, sensitive
	AdapterRiskClass contracts.RiskClass
	Capabilities     []string
	ContextFlags     []string // adapter-declared, e.g. "writes_files"
	Provenance       string
	CustomFlags      []string
}

// Assessment is the scorer output. Factors name every contribution so the
// decision trace can explain the level.
type Assessment struct {
	Score   int      `json:"score"`
	Level   Level    `json:"level"`
	Factors []string `json:"factors"`
}

// Score computes the assessment for one request. Pure; no I/O.
func Score(in Input) Assessment {
	var score int
	var factors []string

	add := func(points int, reason string) {
		score += points
		factors = append(factors, reason)
	}

	if n := len(in.Tools); n > 1 {
		add((n-1)*weightPerExtraTool, fmt.Sprintf("%d tools requested", n))
	}

	if in.SkillID != "" {
		switch strings.ToLower(in.SkillState) {
		case "draft":
			add(weightSkillDraft, "skill in draft state")
		case "deprecated":
			add(weightSkillDeprecated, "skill deprecated")
		}
		if !in.SkillTested {
			add(weightUntested, "skill not tested")
		}
		if !in.SkillPinned {
			add(weightUnpinned, "skill version not pinned")
		}
	}

	switch in.AdapterRiskClass {
	case contracts.RiskClassMedium:
		add(weightAdapterMediumRisk, "adapter risk class medium")
	case contracts.RiskClassHigh:
		add(weightAdapterHighRisk, "adapter risk class high")
	}

	for _, cap := range in.Capabilities {
		if privilegedCapabilities[cap] {
			add(weightPrivilegedCap, "privileged capability: "+cap)
		}
	}
	if hasCapability(in, "external_network") && writesDetected(in) {
		add(weightNetworkAndWrite, "external network combined with writes")
	}

	if strings.EqualFold(in.DataSensitivity, "sensitive") {
		add(weightSensitiveData, "sensitive data in scope")
	}
	if in.Temperature > 1.0 {
		add(weightHighTemperature, fmt.Sprintf("temperature %.1f above 1.0", in.Temperature))
	}
	if p := strings.ToLower(in.Provenance); p != "" && p != "trusted" && p != "first_party" {
		add(weightUntested, "provenance not trusted: "+in.Provenance)
	}
	for _, f := range in.CustomFlags {
		add(weightCustomFlag, "flag: "+f)
	}

	return Assessment{Score: score, Level: levelFor(score), Factors: factors}
}

func levelFor(score int) Level {
	switch {
	case score >= criticalFloor:
		return LevelCritical
	case score >= highFloor:
		return LevelHigh
	case score >= mediumFloor:
		return LevelMedium
	default:
		return LevelLow
	}
}

func hasCapability(in Input, name string) bool {
	for _, c := range in.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func writesDetected(in Input) bool {
	if hasCapability(in, "filesystem_write") {
		return true
	}
	for _, f := range in.ContextFlags {
		if f == "writes_files" || f == "mutates_state" {
			return true
		}
	}
	return false
}
