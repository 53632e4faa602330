package extract

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/selectors"
)

func mustProfile(t *testing.T, doc, id string) *selectors.Profile {
	t.Helper()
	r, err := selectors.Parse([]byte(doc))
	require.NoError(t, err)
	p, ok := r.ByUniversity(id)
	require.True(t, ok)
	return &p
}

func TestExtractMailtoProfessor(t *testing.T) {
	t.Parallel()

	html := `<html><body><a href="mailto:jane@x.edu">Prof. Jane Doe</a></body></html>`
	res, err := New(nil).Extract(html, "https://example.edu/cs/", nil)
	require.NoError(t, err)

	require.Len(t, res.Professors, 1)
	p := res.Professors[0]
	require.Equal(t, "Jane Doe", p.Name)
	require.Equal(t, "jane@x.edu", p.Email)
	require.Equal(t, crawler.MethodEmail, p.ExtractionMethod)
	require.InDelta(t, 0.8, p.Confidence, 1e-9)
	require.Empty(t, res.Links)
	require.Empty(t, res.Papers)
}

func TestExtractProfessorPageWithCitation(t *testing.T) {
	t.Parallel()

	html := `<html><body><h1>Prof. Jane Doe</h1><p>Email: jane@x.edu</p>` +
		`<p>연구 분야: systems, networks</p>` +
		`<p>Smith, A., 2023, Foo, Bar Journal</p></body></html>`
	res, err := New(nil).Extract(html, "https://example.edu/cs/people/jane", nil)
	require.NoError(t, err)

	require.Len(t, res.Professors, 1)
	require.Equal(t, "Jane Doe", res.Professors[0].Name)
	require.Equal(t, "Professor", res.Professors[0].Title)
	require.Equal(t, []string{"systems", "networks"}, res.Professors[0].ResearchInterests)

	require.Len(t, res.Papers, 1)
	paper := res.Papers[0]
	require.Equal(t, "Foo", paper.Title)
	require.Equal(t, []string{"Smith, A."}, paper.Authors)
	require.Equal(t, 2023, paper.Year)
	require.Equal(t, "Bar Journal", paper.Venue)
	require.Equal(t, crawler.MethodCitation, paper.ExtractionMethod)
	require.InDelta(t, 0.85, paper.Confidence, 1e-9)
	require.Contains(t, res.Text, "Smith, A., 2023, Foo, Bar Journal")
}

func TestExtractCSSSelectorProfessors(t *testing.T) {
	t.Parallel()

	profile := mustProfile(t, `
profiles:
  - id: u
    professor_selectors:
      name: .name
      email: .mail
      title: .pos
`, "u")
	html := `<html><body>
<div class="prof"><span class="name">Kim Minsu</span><span class="mail">kim@snu.ac.kr</span><span class="pos">Associate Professor</span></div>
<div class="prof"><span class="name">김철수 교수</span></div>
</body></html>`
	res, err := New(nil).Extract(html, "https://u.ac.kr/", profile)
	require.NoError(t, err)

	require.Len(t, res.Professors, 2)
	require.Equal(t, "Kim Minsu", res.Professors[0].Name)
	require.Equal(t, "kim@snu.ac.kr", res.Professors[0].Email)
	require.Equal(t, "Associate Professor", res.Professors[0].Title)
	require.Equal(t, crawler.MethodCSS, res.Professors[0].ExtractionMethod)
	require.InDelta(t, 0.95, res.Professors[0].Confidence, 1e-9)

	require.Equal(t, "김철수", res.Professors[1].Name)
	require.Empty(t, res.Professors[1].Email)
	require.Equal(t, crawler.MethodCSS, res.Professors[1].ExtractionMethod)
}

func TestExtractStructuredTable(t *testing.T) {
	t.Parallel()

	html := `<html><body><table>
<tr><th>Name</th><th>Position</th><th>Email</th></tr>
<tr><td>Lee Jiwon</td><td>Professor</td><td>lee@x.edu</td></tr>
<tr><td>Park Sora</td><td>Staff</td><td>park@x.edu</td></tr>
</table></body></html>`
	res, err := New(nil).Extract(html, "https://x.edu/", nil)
	require.NoError(t, err)

	byEmail := map[string]crawler.Professor{}
	for _, p := range res.Professors {
		byEmail[p.Email] = p
	}
	require.Len(t, byEmail, 2)
	require.Equal(t, "Lee Jiwon", byEmail["lee@x.edu"].Name)
	require.Equal(t, crawler.MethodStructured, byEmail["lee@x.edu"].ExtractionMethod)
	require.Equal(t, "Professor", byEmail["lee@x.edu"].Title)
	require.Equal(t, "Park Sora", byEmail["park@x.edu"].Name)
	require.Equal(t, crawler.MethodEmail, byEmail["park@x.edu"].ExtractionMethod)
}

func TestExtractLabs(t *testing.T) {
	t.Parallel()

	html := `<html><body>
<h3>Vision Lab</h3><p>We study computer vision and robotics.</p>
<p>The Intelligent Systems Laboratory builds autonomous agents.</p>
<p>지능 시스템 연구실은 로봇을 연구합니다.</p>
</body></html>`
	res, err := New(nil).Extract(html, "https://x.edu/", nil)
	require.NoError(t, err)

	byName := map[string]crawler.Laboratory{}
	for _, l := range res.Labs {
		byName[l.Name] = l
	}
	require.Contains(t, byName, "Vision Lab")
	require.Equal(t, crawler.MethodHeading, byName["Vision Lab"].ExtractionMethod)
	require.Equal(t, "We study computer vision and robotics.", byName["Vision Lab"].Description)

	require.Contains(t, byName, "Intelligent Systems Laboratory")
	require.Equal(t, crawler.MethodKeyword, byName["Intelligent Systems Laboratory"].ExtractionMethod)
	require.InDelta(t, 0.6, byName["Intelligent Systems Laboratory"].Confidence, 1e-9)

	require.Contains(t, byName, "시스템 연구실")
	require.Len(t, res.Labs, 3)
}

func TestExtractLabsBySelector(t *testing.T) {
	t.Parallel()

	profile := mustProfile(t, `
profiles:
  - id: u
    lab_selectors:
      name: .lab-name
      description: .lab-desc
      members: .lab-members
      link: .lab-name a
`, "u")
	html := `<div class="lab"><h4 class="lab-name"><a href="/labs/net">Networks Lab</a></h4>` +
		`<p class="lab-desc">Datacenter networking.</p><p class="lab-members">Kim, Lee; Park</p></div>`
	res, err := New(nil).Extract(html, "https://u.ac.kr/cs/", profile)
	require.NoError(t, err)

	require.Len(t, res.Labs, 1)
	lab := res.Labs[0]
	require.Equal(t, "Networks Lab", lab.Name)
	require.Equal(t, crawler.MethodCSS, lab.ExtractionMethod)
	require.Equal(t, "Datacenter networking.", lab.Description)
	require.Equal(t, []string{"Kim", "Lee", "Park"}, lab.Members)
	require.Equal(t, "https://u.ac.kr/labs/net", lab.URL)
}

func TestExtractPapers(t *testing.T) {
	t.Parallel()

	html := `<html><body><ul>
<li>Kim, J., &amp; Park, S. (2022). Deep learning for web crawling. Journal of Web Research, 12(3), 1-10.</li>
<li><a href="https://arxiv.org/abs/2101.00001">Scalable Graph Neural Networks for Citation Analysis</a></li>
<li>Efficient Retrieval Augmented Generation for Korean Documents.</li>
<li><a href="/papers/deep.pdf">[PDF]</a> Deep learning for web crawling</li>
</ul></body></html>`
	res, err := New(nil).Extract(html, "https://x.edu/lab/", nil)
	require.NoError(t, err)

	require.Len(t, res.Papers, 3)

	apa := res.Papers[0]
	require.Equal(t, "Deep learning for web crawling", apa.Title)
	require.Equal(t, []string{"Kim, J.", "Park, S."}, apa.Authors)
	require.Equal(t, 2022, apa.Year)
	require.Equal(t, crawler.MethodCitation, apa.ExtractionMethod)

	link := res.Papers[1]
	require.Equal(t, "Scalable Graph Neural Networks for Citation Analysis", link.Title)
	require.Equal(t, crawler.MethodAcademicLink, link.ExtractionMethod)
	require.Equal(t, "https://arxiv.org/abs/2101.00001", link.URL)

	pattern := res.Papers[2]
	require.Equal(t, "Efficient Retrieval Augmented Generation for Korean Documents", pattern.Title)
	require.Equal(t, crawler.MethodTitlePattern, pattern.ExtractionMethod)
	require.InDelta(t, 0.5, pattern.Confidence, 1e-9)

	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "low-confidence paper")
}

func TestExtractProfessorLinksByKeyword(t *testing.T) {
	t.Parallel()

	html := `<html><body>
<a href="/cs/people/jane">Prof. Jane Doe</a>
<a href="people/john">John Roe</a>
<a href="/cs/people/jane#bio">Jane again</a>
<a href="mailto:x@x.edu">faculty mail</a>
<a href="/news">News</a>
<a href="https://example.edu/cs/">Faculty home</a>
</body></html>`
	res, err := New(nil).Extract(html, "https://example.edu/cs/", nil)
	require.NoError(t, err)

	require.Len(t, res.Links, 2)
	require.Equal(t, "https://example.edu/cs/people/jane", res.Links[0].URL)
	require.Equal(t, "Prof. Jane Doe", res.Links[0].Text)
	require.Equal(t, crawler.MethodLinkKeyword, res.Links[0].ExtractionMethod)
	require.Equal(t, "https://example.edu/cs/people/john", res.Links[1].URL)
}

func TestExtractProfessorLinksBySelector(t *testing.T) {
	t.Parallel()

	profile := mustProfile(t, `
profiles:
  - id: u
    professor_link_selectors: [.faculty]
`, "u")
	html := `<div class="faculty"><a href="/p/1">One</a><a href="/p/2">Two</a></div>` +
		`<a href="/people/3">Three</a>`
	res, err := New(nil).Extract(html, "https://u.ac.kr/", profile)
	require.NoError(t, err)

	require.Len(t, res.Links, 2)
	require.Equal(t, "https://u.ac.kr/p/1", res.Links[0].URL)
	require.Equal(t, crawler.MethodProfileLink, res.Links[0].ExtractionMethod)
	require.InDelta(t, 0.9, res.Links[0].Confidence, 1e-9)
}

func TestDedupeProfessors(t *testing.T) {
	t.Parallel()

	in := []crawler.Professor{
		{Name: "Jane Doe", Email: "jane@x.edu", ExtractionMethod: crawler.MethodTitleKeyword, Confidence: 0.7},
		{Name: "Jane D.", Email: "JANE@x.edu", ExtractionMethod: crawler.MethodEmail, Confidence: 0.8},
		{Name: "No Mail", ExtractionMethod: crawler.MethodTitleKeyword, Confidence: 0.7},
		{Name: "Css Only", ExtractionMethod: crawler.MethodCSS, Confidence: 0.95},
	}
	out := DedupeProfessors(in)
	require.Len(t, out, 2)
	require.Equal(t, crawler.MethodEmail, out[0].ExtractionMethod)
	require.Equal(t, "Css Only", out[1].Name)

	var many []crawler.Professor
	for i := 0; i < 70; i++ {
		many = append(many, crawler.Professor{Name: "P", Email: fmt.Sprintf("p%d@x.edu", i), Confidence: 0.8})
	}
	require.Len(t, DedupeProfessors(many), MaxProfessors)
}

func TestDedupeLabsAndPapersCaps(t *testing.T) {
	t.Parallel()

	var labs []crawler.Laboratory
	var papers []crawler.Paper
	for i := 0; i < 80; i++ {
		labs = append(labs, crawler.Laboratory{Name: fmt.Sprintf("Lab %d", i), Confidence: 0.6})
		papers = append(papers, crawler.Paper{Title: fmt.Sprintf("Paper number %d", i), Confidence: 0.5})
	}
	require.Len(t, DedupeLabs(labs), MaxLabs)
	require.Len(t, DedupePapers(papers), MaxPapers)

	dup := DedupePapers([]crawler.Paper{
		{Title: "Deep Learning!", Confidence: 0.5},
		{Title: "deep   learning", Confidence: 0.85},
	})
	require.Len(t, dup, 1)
	require.InDelta(t, 0.85, dup[0].Confidence, 1e-9)
}

func TestCleanName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "Jane Doe", want: "Jane Doe", ok: true},
		{in: "Faculty Jane Doe Email", want: "Jane Doe", ok: true},
		{in: "Department Of Computer", ok: false},
		{in: "Jane", ok: false},
		{in: "Jane 1234", ok: false},
		{in: "김철수", want: "김철수", ok: true},
		{in: "김철수 교수", want: "김철수", ok: true},
		{in: "컴퓨터공학과", ok: false},
		{in: "Jane University Doe", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, ok := cleanName(tc.in)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestStripTagsDropsCutTags(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Prof. Jane Doe", stripTags(`">Prof. Jane Doe</a><a hre`))
	require.Equal(t, "A & B", stripTags(`<p>A &amp; B</p>`))
}
