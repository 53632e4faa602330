package optimizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const staticFacultyPage = `<html><body>
<h1>Department of Computer Science</h1>
<p>Our faculty conduct research in systems, theory, machine learning and human computer
interaction. Students work closely with advisors in small research groups and publish at top venues.
Contact the department office for admission questions and visiting information.</p>
<ul><li>Prof. Jane Doe</li><li>Prof. John Roe</li></ul>
</body></html>`

func TestAnalyzeStaticPage(t *testing.T) {
	t.Parallel()

	o := New(0, nil)
	d := o.Analyze(staticFacultyPage, "cs.example.edu", 0)
	require.False(t, d.NeedsRender)
	require.Equal(t, 0, d.Score)
	require.Equal(t, RenderLow, d.RenderTime)
	require.Equal(t, "static content", d.Reason)
}

func TestAnalyzeReactShell(t *testing.T) {
	t.Parallel()

	html := `<html><body><div id="root"></div>
<script src="/static/react-dom.production.min.js"></script>
<script>fetch("/api/faculty").then(r => r.json())</script></body></html>`
	d := New(0, nil).Analyze(html, "", 0)
	require.True(t, d.NeedsRender)
	require.GreaterOrEqual(t, d.Score, 5)
	require.Contains(t, d.Reason, "React framework detected")
	require.Contains(t, d.Reason, "ajax/fetch")
	require.Equal(t, 2, d.ScriptCount)
	require.Equal(t, 1, d.APICallCount)
}

func TestAnalyzeImageHeavyPage(t *testing.T) {
	t.Parallel()

	html := `<html><body><img src="a.png"><img src="b.png"><p>Faculty</p></body></html>`
	d := New(0, nil).Analyze(html, "", 0)
	require.Equal(t, 2, d.Score)
	require.False(t, d.NeedsRender, "score must exceed the threshold")
	require.Equal(t, 2, d.ImageCount)

	d = New(1, nil).Analyze(html, "", 0)
	require.True(t, d.NeedsRender)
}

func TestAnalyzeDomainHintShiftsScore(t *testing.T) {
	t.Parallel()

	o := New(0, map[string]int{"SPA.example.edu": 3, "static.example.edu": -5})
	d := o.Analyze(staticFacultyPage, "https://spa.example.edu/people", 0)
	require.True(t, d.NeedsRender)
	require.Contains(t, d.Reasons, "domain hint")

	html := `<html><body><div id="app" data-v-123></div></body></html>`
	d = o.Analyze(html, "static.example.edu", 0)
	require.False(t, d.NeedsRender)
}

func TestEstimateRenderTime(t *testing.T) {
	t.Parallel()

	require.Equal(t, RenderLow, estimateRenderTime(2, 1))
	require.Equal(t, RenderMedium, estimateRenderTime(6, 2))
	require.Equal(t, RenderHigh, estimateRenderTime(10, 5))

	many := strings.Repeat(`<script>$.ajax({url:"/x"})</script>`, 8)
	d := New(0, nil).Analyze("<html><body>"+many+"</body></html>", "", 0)
	require.Equal(t, RenderHigh, d.RenderTime)
}
