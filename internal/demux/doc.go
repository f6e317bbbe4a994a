// Package demux turns an MPEG transport stream into H.264 access units.
//
// [Demuxer] reads from an [io.Reader] and delivers [media.VideoFrame] values
// on a channel, tracking the most recent SPS and PPS so every frame carries
// the parameter sets needed to describe the stream. Other elementary
// streams are ignored. [ParseAnnexB] and [ParseSPS] are exported for the
// encoder side, which needs the same parsing.
package demux
