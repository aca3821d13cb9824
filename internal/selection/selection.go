package selection

import (
	"math"
	"strings"

	"github.com/opd-ai/go-jf-play/internal/capability"
	"github.com/opd-ai/go-jf-play/internal/jellyfin"
)

// Options carries the per-attempt inputs to scoring and play-method
// determination.
type Options struct {
	ForceTranscoding       bool
	DynamicRangeCap        string
	PreferredMediaSourceID string
	Device                 *capability.Profile
}

func (o Options) device() *capability.Profile {
	if o.Device != nil {
		return o.Device
	}
	return capability.Default()
}

// Selection reasons.
const (
	ReasonRequested = "requested"
	ReasonScored    = "scored"
	ReasonNone      = "none"
)

// Result identifies the chosen source within the server's list.
type Result struct {
	Source *jellyfin.MediaSource
	Index  int
	Score  float64
	Reason string
}

// Score rates a source for playback under the given options. Higher is
// better. In normal mode direct-play/stream support dominates; when
// transcoding is forced, server transcoding support dominates instead.
// Dynamic-range and Dolby Vision hazards subtract from the score so a
// cleaner source wins when one exists, without disqualifying anything.
func Score(source *jellyfin.MediaSource, opts Options) float64 {
	if source == nil {
		return math.Inf(-1)
	}

	video := source.VideoStream()
	score := 0.0

	if opts.ForceTranscoding {
		if source.SupportsTranscoding {
			score += 1200
		}
		if source.TranscodingURL != "" {
			score += 900
		}
		if source.TranscodingContainer != "" {
			score += 120
		}
	} else {
		if source.SupportsDirectPlay {
			score += 1400
		}
		if source.SupportsDirectStream {
			score += 1000
		}
		if source.TranscodingURL == "" {
			score += 150
		}
		if source.SupportsTranscoding {
			score += 50
		}
		if HasCompatibleAudio(source) {
			score += 180
		} else if len(source.AudioStreams()) > 0 {
			score -= 250
		}
	}

	if video != nil {
		switch {
		case video.Width >= 3840:
			score += 60
		case video.Width >= 1920:
			score += 40
		case video.Width >= 1280:
			score += 20
		}
		if video.BitRate > 0 && video.BitRate <= 120_000_000 {
			score += 20
		}
	}

	device := opts.device()
	info := ClassifyStream(video)
	if !info.SatisfiesCap(opts.DynamicRangeCap) {
		score -= 220
	}
	if info.IsDolbyVision {
		if !device.DolbyVision && !info.HasFallbackLayer {
			score -= 120
		}
		if info.HasFallbackLayer && isMKVContainer(source.Container) && !device.DolbyVisionInMKV {
			score -= 180
		}
	}

	return score
}

// Select returns the source to play. An explicit preferred id always wins
// when present in the list; otherwise the highest score wins with ties going
// to server order. An empty list yields Index -1 and reason "none", which
// callers must treat as no playable source.
func Select(sources []jellyfin.MediaSource, opts Options) Result {
	if len(sources) == 0 {
		return Result{Index: -1, Score: math.Inf(-1), Reason: ReasonNone}
	}

	if opts.PreferredMediaSourceID != "" {
		for i := range sources {
			if sources[i].ID == opts.PreferredMediaSourceID {
				return Result{Source: &sources[i], Index: i, Score: math.Inf(1), Reason: ReasonRequested}
			}
		}
	}

	bestIndex := 0
	bestScore := math.Inf(-1)
	for i := range sources {
		if score := Score(&sources[i], opts); score > bestScore {
			bestScore = score
			bestIndex = i
		}
	}
	return Result{Source: &sources[bestIndex], Index: bestIndex, Score: bestScore, Reason: ReasonScored}
}

// Reorder moves the selected source to the front, preserving the relative
// order of the rest. Out-of-range or already-first indices return the input
// slice unchanged.
func Reorder(sources []jellyfin.MediaSource, selectedIndex int) []jellyfin.MediaSource {
	if selectedIndex <= 0 || selectedIndex >= len(sources) {
		return sources
	}
	reordered := make([]jellyfin.MediaSource, 0, len(sources))
	reordered = append(reordered, sources[selectedIndex])
	reordered = append(reordered, sources[:selectedIndex]...)
	reordered = append(reordered, sources[selectedIndex+1:]...)
	return reordered
}

// DeterminePlayMethod decides how a source should be played. The checks run
// in strict precedence order; transcode escalations only apply when the
// server actually returned a TranscodingUrl, since nothing can be transcoded
// without one.
func DeterminePlayMethod(source *jellyfin.MediaSource, opts Options) string {
	if source == nil {
		return jellyfin.PlayMethodDirectStream
	}
	if opts.ForceTranscoding {
		return jellyfin.PlayMethodTranscode
	}

	hasTranscodingURL := source.TranscodingURL != ""
	info := DynamicRange(source)
	device := opts.device()

	if !info.SatisfiesCap(opts.DynamicRangeCap) && hasTranscodingURL {
		return jellyfin.PlayMethodTranscode
	}
	if info.IsPureDolbyVision && isMKVContainer(source.Container) && !device.DolbyVisionInMKV && hasTranscodingURL {
		return jellyfin.PlayMethodTranscode
	}
	if !HasCompatibleAudio(source) && hasTranscodingURL {
		return jellyfin.PlayMethodTranscode
	}

	if source.SupportsDirectPlay {
		return jellyfin.PlayMethodDirectPlay
	}
	if source.SupportsDirectStream {
		return jellyfin.PlayMethodDirectStream
	}
	if hasTranscodingURL {
		return jellyfin.PlayMethodTranscode
	}
	return jellyfin.PlayMethodDirectStream
}

func isMKVContainer(container string) bool {
	return strings.Contains(strings.ToLower(container), "mkv") ||
		strings.Contains(strings.ToLower(container), "matroska")
}
