// Package tracks resolves which audio and subtitle streams a playback
// attempt should request, combining explicit requests, remembered
// preferences, and server defaults. Resolution is pure; persistence of the
// remembered preferences lives in the storage package.
package tracks

import (
	"strings"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/storage"
)

// SubtitleOff is the subtitle selection meaning "no subtitles".
const SubtitleOff = -1

// Selection is the resolved track choice for one playback attempt.
// AudioIndex is nil when the source has no audio streams.
type Selection struct {
	AudioIndex    *int
	SubtitleIndex int
}

func matchesLanguage(stream jellyfin.MediaStream, language string) bool {
	return stream.Language != "" && language != "" &&
		strings.EqualFold(stream.Language, language)
}

func hasIndex(streams []jellyfin.MediaStream, index int) bool {
	for _, stream := range streams {
		if stream.Index == index {
			return true
		}
	}
	return false
}

// PickAudio resolves the audio stream index. Precedence: explicit request,
// remembered exact index, remembered language, server default, first stream.
// Returns nil when the source has no audio streams.
func PickAudio(streams []jellyfin.MediaStream, pref *storage.TrackPreference, requested *int, serverDefault *int) *int {
	if len(streams) == 0 {
		return nil
	}

	if requested != nil && hasIndex(streams, *requested) {
		v := *requested
		return &v
	}

	if pref != nil {
		if pref.AudioIndex != nil && hasIndex(streams, *pref.AudioIndex) {
			v := *pref.AudioIndex
			return &v
		}
		if pref.AudioLanguage != "" {
			for _, stream := range streams {
				if matchesLanguage(stream, pref.AudioLanguage) {
					v := stream.Index
					return &v
				}
			}
		}
	}

	if serverDefault != nil && hasIndex(streams, *serverDefault) {
		v := *serverDefault
		return &v
	}

	v := streams[0].Index
	return &v
}

// PickSubtitle resolves the subtitle stream index, SubtitleOff meaning none.
// Precedence: explicit request (including explicit off), remembered off,
// remembered exact index, remembered language (non-forced first), server
// default with forced-default substitution, off.
func PickSubtitle(streams []jellyfin.MediaStream, pref *storage.TrackPreference, requested *int) int {
	if requested != nil {
		if *requested == SubtitleOff {
			return SubtitleOff
		}
		if hasIndex(streams, *requested) {
			return *requested
		}
	}

	if pref != nil {
		if pref.SubtitleOff {
			return SubtitleOff
		}
		if pref.SubtitleIndex != nil && hasIndex(streams, *pref.SubtitleIndex) {
			return *pref.SubtitleIndex
		}
		if pref.SubtitleLanguage != "" {
			for _, stream := range streams {
				if matchesLanguage(stream, pref.SubtitleLanguage) && !stream.IsForced {
					return stream.Index
				}
			}
			for _, stream := range streams {
				if matchesLanguage(stream, pref.SubtitleLanguage) {
					return stream.Index
				}
			}
		}
	}

	if def := defaultSubtitle(streams); def != nil {
		if !def.IsForced {
			return def.Index
		}
		// A forced default usually marks foreign-language-only dialogue.
		// Prefer the full track in the same language over the forced one.
		for _, stream := range streams {
			if !stream.IsForced && matchesLanguage(stream, def.Language) {
				return stream.Index
			}
		}
		for _, stream := range streams {
			if !stream.IsForced {
				return stream.Index
			}
		}
		return def.Index
	}

	return SubtitleOff
}

func defaultSubtitle(streams []jellyfin.MediaStream) *jellyfin.MediaStream {
	for i := range streams {
		if streams[i].IsDefault {
			return &streams[i]
		}
	}
	return nil
}

// Resolve computes the full track selection for a source.
func Resolve(source *jellyfin.MediaSource, pref *storage.TrackPreference, requestedAudio, requestedSubtitle *int) Selection {
	if source == nil {
		return Selection{SubtitleIndex: SubtitleOff}
	}

	audioStreams := source.AudioStreams()
	var serverDefault *int
	if source.DefaultAudioStreamIndex != nil {
		serverDefault = source.DefaultAudioStreamIndex
	} else {
		for _, stream := range audioStreams {
			if stream.IsDefault {
				v := stream.Index
				serverDefault = &v
				break
			}
		}
	}

	return Selection{
		AudioIndex:    PickAudio(audioStreams, pref, requestedAudio, serverDefault),
		SubtitleIndex: PickSubtitle(source.SubtitleStreams(), pref, requestedSubtitle),
	}
}

// RememberAudio updates a preference with a newly chosen audio stream.
func RememberAudio(pref *storage.TrackPreference, streams []jellyfin.MediaStream, index int) *storage.TrackPreference {
	if pref == nil {
		pref = &storage.TrackPreference{}
	}
	updated := *pref
	updated.AudioIndex = &index
	updated.AudioLanguage = ""
	for _, stream := range streams {
		if stream.Index == index {
			updated.AudioLanguage = stream.Language
			break
		}
	}
	return &updated
}

// RememberSubtitle updates a preference with a newly chosen subtitle stream.
// Choosing SubtitleOff records the off preference and clears the rest.
func RememberSubtitle(pref *storage.TrackPreference, streams []jellyfin.MediaStream, index int) *storage.TrackPreference {
	if pref == nil {
		pref = &storage.TrackPreference{}
	}
	updated := *pref

	if index == SubtitleOff {
		updated.SubtitleOff = true
		updated.SubtitleIndex = nil
		updated.SubtitleLanguage = ""
		updated.SubtitleForced = false
		return &updated
	}

	updated.SubtitleOff = false
	updated.SubtitleIndex = &index
	updated.SubtitleLanguage = ""
	updated.SubtitleForced = false
	for _, stream := range streams {
		if stream.Index == index {
			updated.SubtitleLanguage = stream.Language
			updated.SubtitleForced = stream.IsForced
			break
		}
	}
	return &updated
}
