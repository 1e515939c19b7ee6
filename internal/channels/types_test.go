package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMedia_NoMedia(t *testing.T) {
	text, media := SplitMedia("just an answer\nwith two lines")
	assert.Equal(t, "just an answer\nwith two lines", text)
	assert.Nil(t, media)
}

func TestSplitMedia_ExtractsLines(t *testing.T) {
	answer := "here is the chart\nMEDIA: /tmp/chart.png\nand the raw data\n  MEDIA: https://example.com/data.csv\n"
	text, media := SplitMedia(answer)

	assert.Equal(t, "here is the chart\nand the raw data", text)
	require.Len(t, media, 2)
	assert.Equal(t, "/tmp/chart.png", media[0].URL)
	assert.Equal(t, "https://example.com/data.csv", media[1].URL)
}

func TestSplitMedia_OnlyMedia(t *testing.T) {
	text, media := SplitMedia("MEDIA: /tmp/a.png\nMEDIA: /tmp/b.png")
	assert.Empty(t, text)
	assert.Len(t, media, 2)
}

func TestSplitMedia_EmptyRefIgnored(t *testing.T) {
	text, media := SplitMedia("answer\nMEDIA:\nMEDIA:   ")
	assert.Equal(t, "answer", text)
	assert.Nil(t, media)
}

func TestBatchMedia(t *testing.T) {
	media := make([]Attachment, 12)
	for i := range media {
		media[i] = Attachment{URL: "file"}
	}

	batches := BatchMedia(media, 10)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 2)

	assert.Nil(t, BatchMedia(nil, 10))
	assert.Nil(t, BatchMedia(media, 0))

	single := BatchMedia(media[:3], 10)
	require.Len(t, single, 1)
	assert.Len(t, single[0], 3)
}
