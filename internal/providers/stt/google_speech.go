package stt

import (
	"context"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

type GoogleSpeech struct {
	c *speech.Client

	Encoding speechpb.RecognitionConfig_AudioEncoding
}

func NewGoogleSpeech(ctx context.Context) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{
		c:        c,
		Encoding: speechpb.RecognitionConfig_LINEAR16,
	}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

// Recognize sends the clip synchronously; chunks are a few seconds long so the
// one-minute limit of Recognize is never hit.
func (g *GoogleSpeech) Recognize(ctx context.Context, wav []byte, sampleRate int, language string) ([]Segment, error) {
	resp, err := g.c.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   g.Encoding,
			SampleRateHertz:            int32(sampleRate),
			LanguageCode:               NormalizeLanguage(language),
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: wav},
		},
	})
	if err != nil {
		return nil, err
	}

	var out []Segment
	var prevEnd float64
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 || r.Alternatives[0].Transcript == "" {
			continue
		}
		alt := r.Alternatives[0]

		seg := Segment{
			Start:      prevEnd,
			End:        r.GetResultEndTime().AsDuration().Seconds(),
			Text:       alt.Transcript,
			Confidence: float64(alt.Confidence),
		}
		if words := alt.Words; len(words) > 0 {
			seg.Start = words[0].GetStartTime().AsDuration().Seconds()
			seg.End = words[len(words)-1].GetEndTime().AsDuration().Seconds()
		}
		prevEnd = seg.End
		out = append(out, seg)
	}
	return out, nil
}
