package index

import (
	"reflect"
	"testing"
)

func docs(paths ...string) []Doc {
	ds := make([]Doc, len(paths))
	for i, p := range paths {
		ds[i] = Doc{Path: p}
	}
	return ds
}

func paths(ms []Match) []string {
	ps := make([]string, len(ms))
	for i, m := range ms {
		ps[i] = m.Path
	}
	return ps
}

func TestSearch_RankOrdering(t *testing.T) {
	ix := Build(docs(
		"docs/cat",            // exact filename
		"pics/cats.jpg",       // filename prefix
		"catalog/index.txt",   // substring in directory token
		"music/song.mp3",      // no match
	))

	got := paths(ix.Search("cat"))
	want := []string{"docs/cat", "pics/cats.jpg", "catalog/index.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Search(cat) = %v, want %v", got, want)
	}
}

func TestSearch_FilenamePrefixBeatsDirectorySubstring(t *testing.T) {
	ix := Build(docs("vacation/cat.jpg", "catalog/index.txt"))

	got := paths(ix.Search("cat"))
	want := []string{"vacation/cat.jpg", "catalog/index.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Search(cat) = %v, want %v", got, want)
	}
}

func TestSearch_CaseInsensitive(t *testing.T) {
	ix := Build(docs("Photos/Summer/IMG_001.JPG"))

	if got := ix.Search("img_001"); len(got) != 1 {
		t.Fatalf("Search(img_001) = %d matches, want 1", len(got))
	}
	if got := ix.Search("SUMMER"); len(got) != 1 {
		t.Fatalf("Search(SUMMER) = %d matches, want 1", len(got))
	}
}

func TestSearch_EmptyAndNoMatch(t *testing.T) {
	ix := Build(docs("a/b.txt"))

	if got := ix.Search(""); got != nil {
		t.Errorf("Search(\"\") = %v, want nil", got)
	}
	if got := ix.Search("   "); got != nil {
		t.Errorf("Search(blank) = %v, want nil", got)
	}
	if got := ix.Search("zzz"); len(got) != 0 {
		t.Errorf("Search(zzz) = %v, want empty", got)
	}
}

func TestSearch_TiesByShorterPathThenLexicographic(t *testing.T) {
	ix := Build(docs(
		"bb/report.pdf",
		"a/longer/report.pdf",
		"aa/report.pdf",
	))

	got := paths(ix.Search("report"))
	want := []string{"aa/report.pdf", "bb/report.pdf", "a/longer/report.pdf"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Search(report) = %v, want %v", got, want)
	}
}

func TestSearch_MultiTokenRequiresAll(t *testing.T) {
	ix := Build(docs(
		"trips/summer_beach.jpg",
		"trips/summer_city.jpg",
		"trips/winter_beach.jpg",
	))

	got := paths(ix.Search("summer beach"))
	want := []string{"trips/summer_beach.jpg"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Search(summer beach) = %v, want %v", got, want)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("My Photos/IMG_2021.jpg")
	want := map[string]bool{
		"my photos": true, "my": true, "photos": true,
		"img_2021.jpg": true, "img": true, "2021": true, "jpg": true,
	}
	for _, tok := range got {
		if !want[tok] {
			t.Errorf("unexpected token %q in %v", tok, got)
		}
	}
	for tok := range want {
		found := false
		for _, g := range got {
			if g == tok {
				found = true
			}
		}
		if !found {
			t.Errorf("missing token %q in %v", tok, got)
		}
	}
}

func TestSearch_DirectoriesAreSearchable(t *testing.T) {
	ix := Build([]Doc{
		{Path: "photos", Dir: true},
		{Path: "photos/a.jpg"},
	})
	got := ix.Search("photos")
	if len(got) != 2 {
		t.Fatalf("Search(photos) = %d matches, want 2", len(got))
	}
	if !got[0].Dir || got[0].Path != "photos" {
		t.Errorf("first match = %+v, want the directory (exact match)", got[0])
	}
}
