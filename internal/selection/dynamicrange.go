package selection

import (
	"strings"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
)

// Dynamic range classification ids.
const (
	RangeSDR       = "SDR"
	RangeHDR10     = "HDR10"
	RangeHDR10Plus = "HDR10_PLUS"
	RangeHLG       = "HLG"
	RangeDV        = "DV"
)

// DynamicRangeInfo classifies a video stream's dynamic range and, for Dolby
// Vision, describes the fallback layer a non-DV display could use.
type DynamicRangeInfo struct {
	ID                string
	Label             string
	RangeType         string
	VideoRange        string
	IsDolbyVision     bool
	IsPureDolbyVision bool
	HasFallbackLayer  bool
	FallbackLayer     string
}

// NormalizeDynamicRangeCap canonicalizes a user-supplied cap value. Anything
// other than "hdr10" or "sdr" means no cap.
func NormalizeDynamicRangeCap(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "hdr10" || normalized == "sdr" {
		return normalized
	}
	return "auto"
}

// IsDolbyVisionRangeType reports whether a VideoRangeType token names Dolby
// Vision in any of its profile spellings.
func IsDolbyVisionRangeType(rangeType string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(rangeType))
	return strings.Contains(normalized, "DOVI") || strings.Contains(normalized, "DOLBY")
}

// DolbyVisionFallbackLayer extracts the fallback layer from a DOVIWith* range
// token. Returns "" for pure Dolby Vision and non-DV tokens.
func DolbyVisionFallbackLayer(rangeType string) string {
	normalized := strings.ToUpper(strings.TrimSpace(rangeType))
	if !strings.Contains(normalized, "DOVIWITH") {
		return ""
	}
	switch {
	case strings.Contains(normalized, "HDR10PLUS"), strings.Contains(normalized, "HDR10+"):
		return "HDR10+"
	case strings.Contains(normalized, "HDR10"), strings.Contains(normalized, "HDR"):
		return "HDR10"
	case strings.Contains(normalized, "HLG"):
		return "HLG"
	case strings.Contains(normalized, "SDR"):
		return "SDR"
	}
	return ""
}

// DynamicRange classifies the source's video stream. A source without a video
// stream is SDR.
func DynamicRange(source *jellyfin.MediaSource) DynamicRangeInfo {
	if source == nil {
		return DynamicRangeInfo{ID: RangeSDR, Label: "SDR"}
	}
	return ClassifyStream(source.VideoStream())
}

// ClassifyStream classifies a single video stream's dynamic range.
func ClassifyStream(stream *jellyfin.MediaStream) DynamicRangeInfo {
	if stream == nil {
		return DynamicRangeInfo{ID: RangeSDR, Label: "SDR"}
	}

	rangeType := strings.ToUpper(strings.TrimSpace(stream.VideoRangeType))
	videoRange := strings.ToUpper(strings.TrimSpace(stream.VideoRange))

	if IsDolbyVisionRangeType(rangeType) {
		fallback := DolbyVisionFallbackLayer(rangeType)
		return DynamicRangeInfo{
			ID:                RangeDV,
			Label:             "Dolby Vision",
			RangeType:         rangeType,
			VideoRange:        videoRange,
			IsDolbyVision:     true,
			IsPureDolbyVision: fallback == "",
			HasFallbackLayer:  fallback != "",
			FallbackLayer:     fallback,
		}
	}

	info := DynamicRangeInfo{RangeType: rangeType, VideoRange: videoRange}
	switch {
	case strings.Contains(rangeType, "HDR10PLUS"), strings.Contains(rangeType, "HDR10+"):
		info.ID, info.Label = RangeHDR10Plus, "HDR10+"
	case strings.Contains(rangeType, "HDR10"), strings.Contains(rangeType, "HDR"):
		info.ID, info.Label = RangeHDR10, "HDR10"
	case strings.Contains(rangeType, "HLG"):
		info.ID, info.Label = RangeHLG, "HLG"
	case videoRange == "HDR":
		info.ID, info.Label = RangeHDR10, "HDR"
	default:
		info.ID, info.Label = RangeSDR, "SDR"
	}
	return info
}

// SatisfiesCap reports whether this dynamic range can be delivered under the
// given cap without server-side tone mapping. Under an sdr cap only true SDR
// and DV-with-SDR-fallback qualify; under an hdr10 cap anything but pure
// Dolby Vision qualifies.
func (i DynamicRangeInfo) SatisfiesCap(dynamicRangeCap string) bool {
	switch NormalizeDynamicRangeCap(dynamicRangeCap) {
	case "auto":
		return true
	case "sdr":
		if i.ID == RangeSDR {
			return true
		}
		return i.ID == RangeDV && i.FallbackLayer == "SDR"
	default: // hdr10
		if i.ID != RangeDV {
			return true
		}
		return i.HasFallbackLayer
	}
}

// DisplayLabel returns the user-facing dynamic range label given the active
// cap, naming the fallback layer when Dolby Vision is being stepped down.
func (i DynamicRangeInfo) DisplayLabel(dynamicRangeCap string) string {
	rangeCap := NormalizeDynamicRangeCap(dynamicRangeCap)
	if rangeCap == "sdr" {
		return "SDR"
	}
	if rangeCap == "hdr10" && i.ID == RangeDV {
		switch i.FallbackLayer {
		case "HDR10+", "HDR10":
			return "HDR10 fallback"
		case "HLG":
			return "HLG fallback"
		case "SDR":
			return "SDR fallback"
		}
		return "HDR fallback"
	}
	if i.Label == "" {
		return "SDR"
	}
	return i.Label
}
