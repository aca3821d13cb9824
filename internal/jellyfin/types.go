package jellyfin

// TicksPerSecond is the Jellyfin time base: one tick is 100 nanoseconds.
const TicksPerSecond int64 = 10_000_000

// Play methods negotiated with the server.
const (
	PlayMethodDirectPlay   = "DirectPlay"
	PlayMethodDirectStream = "DirectStream"
	PlayMethodTranscode    = "Transcode"
)

// Media stream types.
const (
	StreamTypeVideo    = "Video"
	StreamTypeAudio    = "Audio"
	StreamTypeSubtitle = "Subtitle"
)

// MediaStream represents a single video, audio, or subtitle stream inside a
// MediaSource.
type MediaStream struct {
	Index          int    `json:"Index"`
	Type           string `json:"Type"`
	Codec          string `json:"Codec,omitempty"`
	CodecTag       string `json:"CodecTag,omitempty"`
	Language       string `json:"Language,omitempty"`
	DisplayTitle   string `json:"DisplayTitle,omitempty"`
	IsDefault      bool   `json:"IsDefault"`
	IsForced       bool   `json:"IsForced"`
	IsExternal     bool   `json:"IsExternal"`
	DeliveryMethod string `json:"DeliveryMethod,omitempty"`

	// Video stream properties
	Width          int    `json:"Width,omitempty"`
	Height         int    `json:"Height,omitempty"`
	BitRate        int64  `json:"BitRate,omitempty"`
	VideoRange     string `json:"VideoRange,omitempty"`
	VideoRangeType string `json:"VideoRangeType,omitempty"`

	// Audio stream properties
	Channels int `json:"Channels,omitempty"`
}

// MediaSource represents one physical or variant representation of an item as
// returned by the server. It is read-only to the client.
type MediaSource struct {
	ID                      string        `json:"Id"`
	Name                    string        `json:"Name,omitempty"`
	Container               string        `json:"Container,omitempty"`
	ETag                    string        `json:"ETag,omitempty"`
	LiveStreamID            string        `json:"LiveStreamId,omitempty"`
	RunTimeTicks            int64         `json:"RunTimeTicks,omitempty"`
	MediaStreams            []MediaStream `json:"MediaStreams,omitempty"`
	DefaultAudioStreamIndex *int          `json:"DefaultAudioStreamIndex,omitempty"`
	SupportsDirectPlay      bool          `json:"SupportsDirectPlay"`
	SupportsDirectStream    bool          `json:"SupportsDirectStream"`
	SupportsTranscoding     bool          `json:"SupportsTranscoding"`
	TranscodingURL          string        `json:"TranscodingUrl,omitempty"`
	TranscodingContainer    string        `json:"TranscodingContainer,omitempty"`
}

// VideoStream returns the first video stream, or nil if the source has none.
func (s *MediaSource) VideoStream() *MediaStream {
	for i := range s.MediaStreams {
		if s.MediaStreams[i].Type == StreamTypeVideo {
			return &s.MediaStreams[i]
		}
	}
	return nil
}

// AudioStreams returns the audio streams in server order.
func (s *MediaSource) AudioStreams() []MediaStream {
	return s.streamsOfType(StreamTypeAudio)
}

// SubtitleStreams returns the subtitle streams in server order.
func (s *MediaSource) SubtitleStreams() []MediaStream {
	return s.streamsOfType(StreamTypeSubtitle)
}

func (s *MediaSource) streamsOfType(streamType string) []MediaStream {
	var streams []MediaStream
	for _, stream := range s.MediaStreams {
		if stream.Type == streamType {
			streams = append(streams, stream)
		}
	}
	return streams
}

// PlaybackInfoResponse is the server's answer to a PlaybackInfo request.
type PlaybackInfoResponse struct {
	MediaSources  []MediaSource `json:"MediaSources"`
	PlaySessionID string        `json:"PlaySessionId,omitempty"`
	ErrorCode     string        `json:"ErrorCode,omitempty"`
}

// PlaybackInfoRequest is the payload posted to /Items/{id}/PlaybackInfo.
// The DeviceProfile tells the server what this device can play without
// transformation and how it wants incompatible media transformed.
type PlaybackInfoRequest struct {
	MediaSourceID        string         `json:"MediaSourceId,omitempty"`
	AudioStreamIndex     *int           `json:"AudioStreamIndex,omitempty"`
	SubtitleStreamIndex  *int           `json:"SubtitleStreamIndex,omitempty"`
	SubtitleMethod       string         `json:"SubtitleMethod,omitempty"`
	StartTimeTicks       int64          `json:"StartTimeTicks,omitempty"`
	EnableDirectPlay     bool           `json:"EnableDirectPlay"`
	EnableDirectStream   bool           `json:"EnableDirectStream"`
	EnableTranscoding    bool           `json:"EnableTranscoding"`
	AllowVideoStreamCopy bool           `json:"AllowVideoStreamCopy"`
	AllowAudioStreamCopy bool           `json:"AllowAudioStreamCopy"`
	AutoOpenLiveStream   bool           `json:"AutoOpenLiveStream"`
	MaxStreamingBitrate  int64          `json:"MaxStreamingBitrate,omitempty"`
	DeviceProfile        *DeviceProfile `json:"DeviceProfile,omitempty"`
}

// Clone returns a deep-enough copy for issuing an adjusted follow-up request
// without mutating the original payload. The DeviceProfile is shared: it is
// immutable for the duration of an attempt.
func (r *PlaybackInfoRequest) Clone() *PlaybackInfoRequest {
	clone := *r
	if r.AudioStreamIndex != nil {
		v := *r.AudioStreamIndex
		clone.AudioStreamIndex = &v
	}
	if r.SubtitleStreamIndex != nil {
		v := *r.SubtitleStreamIndex
		clone.SubtitleStreamIndex = &v
	}
	return &clone
}

// DeviceProfile is the server-facing description of device capabilities.
type DeviceProfile struct {
	Name                            string               `json:"Name"`
	MaxStreamingBitrate             int64                `json:"MaxStreamingBitrate"`
	MaxStaticBitrate                int64                `json:"MaxStaticBitrate"`
	MusicStreamingTranscodingBitrate int64               `json:"MusicStreamingTranscodingBitrate"`
	DirectPlayProfiles              []DirectPlayProfile  `json:"DirectPlayProfiles"`
	TranscodingProfiles             []TranscodingProfile `json:"TranscodingProfiles"`
	SubtitleProfiles                []SubtitleProfile    `json:"SubtitleProfiles"`
	ContainerProfiles               []ContainerProfile   `json:"ContainerProfiles"`
	CodecProfiles                   []CodecProfile       `json:"CodecProfiles"`
	ResponseProfiles                []ResponseProfile    `json:"ResponseProfiles"`
}

// DirectPlayProfile names a container/codec combination the device can play
// without any server-side transformation.
type DirectPlayProfile struct {
	Container  string `json:"Container"`
	Type       string `json:"Type"`
	VideoCodec string `json:"VideoCodec,omitempty"`
	AudioCodec string `json:"AudioCodec,omitempty"`
}

// TranscodingProfile describes a transformation target the device accepts.
type TranscodingProfile struct {
	Container           string `json:"Container"`
	Type                string `json:"Type"`
	VideoCodec          string `json:"VideoCodec,omitempty"`
	AudioCodec          string `json:"AudioCodec,omitempty"`
	Context             string `json:"Context,omitempty"`
	Protocol            string `json:"Protocol,omitempty"`
	MaxAudioChannels    string `json:"MaxAudioChannels,omitempty"`
	MinSegments         string `json:"MinSegments,omitempty"`
	BreakOnNonKeyFrames bool   `json:"BreakOnNonKeyFrames"`
}

// SubtitleProfile pairs a subtitle format with a delivery method. External
// subtitles pass through untouched; Encode means server-side burn-in.
type SubtitleProfile struct {
	Format string `json:"Format"`
	Method string `json:"Method"`
}

// Subtitle delivery methods.
const (
	SubtitleMethodExternal = "External"
	SubtitleMethodEncode   = "Encode"
)

// ContainerProfile restricts a container's use via conditions.
type ContainerProfile struct {
	Type       string             `json:"Type"`
	Container  string             `json:"Container,omitempty"`
	Conditions []ProfileCondition `json:"Conditions,omitempty"`
}

// CodecProfile constrains when a codec may be direct-played.
type CodecProfile struct {
	Type       string             `json:"Type"`
	Codec      string             `json:"Codec"`
	Conditions []ProfileCondition `json:"Conditions,omitempty"`
}

// ProfileCondition is a single server-evaluated predicate.
type ProfileCondition struct {
	Condition  string `json:"Condition"`
	Property   string `json:"Property"`
	Value      string `json:"Value"`
	IsRequired bool   `json:"IsRequired"`
}

// ResponseProfile overrides response metadata for matching media.
type ResponseProfile struct {
	Type      string `json:"Type"`
	Container string `json:"Container"`
	MimeType  string `json:"MimeType"`
}

// MediaSegment is a server-identified time range eligible for a skip
// affordance (intro, recap, preview, outro, credits).
type MediaSegment struct {
	ID         string `json:"Id"`
	ItemID     string `json:"ItemId,omitempty"`
	Type       string `json:"Type"`
	StartTicks int64  `json:"StartTicks"`
	EndTicks   int64  `json:"EndTicks"`
}

// Media segment types.
const (
	SegmentTypeIntro   = "Intro"
	SegmentTypeRecap   = "Recap"
	SegmentTypePreview = "Preview"
	SegmentTypeOutro   = "Outro"
	SegmentTypeCredits = "Credits"
)

// IsTerminal reports whether the segment marks the tail of the item. Terminal
// segments trigger the play-next prompt and cannot be permanently dismissed.
func (s MediaSegment) IsTerminal() bool {
	return s.Type == SegmentTypeOutro || s.Type == SegmentTypeCredits
}

// Contains reports whether the position falls inside the segment.
func (s MediaSegment) Contains(positionTicks int64) bool {
	return positionTicks >= s.StartTicks && positionTicks < s.EndTicks
}

// mediaSegmentsResponse is the /MediaSegments/{itemId} envelope.
type mediaSegmentsResponse struct {
	Items []MediaSegment `json:"Items"`
}

// Item is the subset of a Jellyfin item the playback engine needs.
type Item struct {
	ID                string `json:"Id"`
	Name              string `json:"Name,omitempty"`
	Type              string `json:"Type,omitempty"`
	SeriesID          string `json:"SeriesId,omitempty"`
	SeriesName        string `json:"SeriesName,omitempty"`
	SeasonID          string `json:"SeasonId,omitempty"`
	IndexNumber       int    `json:"IndexNumber,omitempty"`
	ParentIndexNumber int    `json:"ParentIndexNumber,omitempty"`
	RunTimeTicks      int64  `json:"RunTimeTicks,omitempty"`
}

// itemsResponse is the common {Items: [...]} list envelope.
type itemsResponse struct {
	Items []Item `json:"Items"`
}

// PlaystateInfo carries a playback start/progress/stop beacon.
type PlaystateInfo struct {
	ItemID              string `json:"ItemId"`
	PositionTicks       int64  `json:"PositionTicks"`
	IsPaused            bool   `json:"IsPaused"`
	IsMuted             bool   `json:"IsMuted"`
	PlayMethod          string `json:"PlayMethod"`
	PlaySessionID       string `json:"PlaySessionId,omitempty"`
	MediaSourceID       string `json:"MediaSourceId,omitempty"`
	AudioStreamIndex    *int   `json:"AudioStreamIndex,omitempty"`
	SubtitleStreamIndex *int   `json:"SubtitleStreamIndex,omitempty"`
}
