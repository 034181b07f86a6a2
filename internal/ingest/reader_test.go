package ingest

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

func TestReadBatch(t *testing.T) {
	input := "title,released_year,genre,rating,imdb_id\n" +
		"Her,2013,Drama,8.0,tt1798709\n" +
		",2013,Drama,8.0,\n" +
		"X,1850,Drama,11,\n"

	batch, err := ReadBatch(strings.NewReader(input), "upload.csv", Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, "upload.csv", batch.Source)
	assert.False(t, batch.Incomplete)
	assert.Equal(t, []domain.Record{
		{Line: 2, Title: "Her", ReleasedYear: "2013", Genre: "Drama", Rating: "8.0"},
		{Line: 3, Title: "", ReleasedYear: "2013", Genre: "Drama", Rating: "8.0"},
		{Line: 4, Title: "X", ReleasedYear: "1850", Genre: "Drama", Rating: "11"},
	}, batch.Records)
}

func TestReadBatch_HeaderVariants(t *testing.T) {
	input := "\ufeff Rating ,GENRE,Released_Year,Title\n9,Comedy,1999,Office Space\n"

	batch, err := ReadBatch(strings.NewReader(input), "s3://bucket/key.csv", Options{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, domain.Record{Line: 2, Title: "Office Space", ReleasedYear: "1999", Genre: "Comedy", Rating: "9"}, batch.Records[0])
}

func TestReadBatch_ShortRowKeepsEmptyFields(t *testing.T) {
	input := "title,released_year,genre,rating\nAlien,1979\n"

	batch, err := ReadBatch(strings.NewReader(input), "short.csv", Options{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "", batch.Records[0].Genre)
	assert.Equal(t, "", batch.Records[0].Rating)
}

func TestReadBatch_Fatal(t *testing.T) {
	tests := []struct {
		name  string
		input io.Reader
	}{
		{"empty", strings.NewReader("")},
		{"missing rating column", strings.NewReader("title,released_year,genre\nHer,2013,Drama\n")},
		{"unreadable header", iotest.ErrReader(errors.New("disk gone"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := ReadBatch(tt.input, "bad.csv", Options{})
			require.ErrorIs(t, err, ErrFatalInput)
			assert.Empty(t, batch.Records)
		})
	}
}

func TestReadBatch_TruncatedStream(t *testing.T) {
	good := "title,released_year,genre,rating\nHer,2013,Drama,8.0\nAlien,1979,Horror,8.5\n"
	r := io.MultiReader(strings.NewReader(good), iotest.ErrReader(errors.New("connection reset")))

	batch, err := ReadBatch(r, "stream.csv", Options{})
	require.NoError(t, err)
	assert.True(t, batch.Incomplete)
	assert.Contains(t, batch.IncompleteReason, "connection reset")
	assert.Len(t, batch.Records, 2)
}

func TestReadBatch_UnterminatedQuote(t *testing.T) {
	input := "title,released_year,genre,rating\nHer,2013,Drama,8.0\n\"Alien,1979,Horror,8.5\n"

	batch, err := ReadBatch(strings.NewReader(input), "quote.csv", Options{})
	require.NoError(t, err)
	assert.True(t, batch.Incomplete)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "Her", batch.Records[0].Title)
}

func TestReadBatch_MalformedRowIsKept(t *testing.T) {
	input := "title,released_year,genre,rating\n" +
		"Her,2013,Drama,8.0\n" +
		"He\"r,2013,Drama,8.0\n" +
		"Alien,1979,Horror,8.5\n" +
		"\"Heat\"x,1995,Crime,8.3\n" +
		"Heat,1995,Crime,8.3\n"

	batch, err := ReadBatch(strings.NewReader(input), "bare-quote.csv", Options{})
	require.NoError(t, err)
	assert.False(t, batch.Incomplete)
	assert.Empty(t, batch.IncompleteReason)
	assert.Equal(t, []domain.Record{
		{Line: 2, Title: "Her", ReleasedYear: "2013", Genre: "Drama", Rating: "8.0"},
		{Line: 3},
		{Line: 4, Title: "Alien", ReleasedYear: "1979", Genre: "Horror", Rating: "8.5"},
		{Line: 5},
		{Line: 6, Title: "Heat", ReleasedYear: "1995", Genre: "Crime", Rating: "8.3"},
	}, batch.Records)
}

func TestReadBatch_MaxRecords(t *testing.T) {
	input := "title,released_year,genre,rating\nA,2000,Drama,1\nB,2000,Drama,2\nC,2000,Drama,3\n"

	batch, err := ReadBatch(strings.NewReader(input), "big.csv", Options{MaxRecords: 2})
	require.NoError(t, err)
	assert.True(t, batch.Incomplete)
	assert.Len(t, batch.Records, 2)

	exact, err := ReadBatch(strings.NewReader(input), "exact.csv", Options{MaxRecords: 3})
	require.NoError(t, err)
	assert.False(t, exact.Incomplete)
	assert.Len(t, exact.Records, 3)
}

func TestReadBatch_CustomDelimiter(t *testing.T) {
	input := "title;released_year;genre;rating\nAmélie;2001;Romance;8,3\n"

	batch, err := ReadBatch(strings.NewReader(input), "semi.csv", Options{Comma: ';'})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "8,3", batch.Records[0].Rating)
}

func FuzzReadBatch(f *testing.F) {
	f.Add("title,released_year,genre,rating\nHer,2013,Drama,8.0\n")
	f.Add("title,genre\n")
	f.Add("\"")

	f.Fuzz(func(t *testing.T, raw string) {
		batch, err := ReadBatch(strings.NewReader(raw), "fuzz", Options{})
		if err != nil {
			if !errors.Is(err, ErrFatalInput) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			return
		}
		if batch.ID == "" {
			t.Fatalf("batch without id")
		}
	})
}
