package stt

import "context"

const DemoTranscript = "Demo mode - add Sarvam API key"

type demoRecognizer struct{}

func NewDemoRecognizer() Recognizer {
	return &demoRecognizer{}
}

func (d *demoRecognizer) Transcribe(ctx context.Context, _ []byte, _ string) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: DemoTranscript, Language: DefaultLanguage}, nil
}
