package browser

import "time"

const defaultStrategyTimeout = 3 * time.Second

// hitAttr marks the element a strategy matched so the click can address it
// with a plain CSS selector.
const hitAttr = "data-docexport-hit"

func hitSelector(token string) string {
	return "[" + hitAttr + `="` + token + `"]`
}

// findScript is polled in the page with (kind, value, context, token). It
// marks the first visible match with hitAttr=token and returns true.
//
// Text kinds keep only the innermost matches so a wrapper div never wins
// over the button it contains. When context is set, the element or one of
// its three nearest ancestors must contain that text, and the match whose
// context is closest wins.
const findScript = `function(kind, value, context, token) {
	const clickable = 'button, a, [role="button"], [role="menuitem"], [role="tab"], [role="treeitem"], [role="option"], input[type="button"], input[type="submit"], [onclick], [tabindex]';
	const norm = s => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
	const want = norm(value);
	const all = sel => Array.prototype.slice.call(document.querySelectorAll(sel));
	let found = [];
	try {
		switch (kind) {
		case 'text':
			found = all(clickable).filter(e => norm(e.innerText || e.value).includes(want));
			break;
		case 'exact_text':
			found = all(clickable + ', li, span, div').filter(e => norm(e.innerText || e.value) === want);
			break;
		case 'aria_label':
			found = all('[aria-label]').filter(e => norm(e.getAttribute('aria-label')).includes(want));
			break;
		case 'class':
			found = all('[class]').filter(e => norm(e.getAttribute('class')).includes(want));
			break;
		case 'title':
			found = all('[title]').filter(e => norm(e.getAttribute('title')).includes(want));
			break;
		case 'query':
			found = all(value);
			break;
		case 'xpath': {
			const r = document.evaluate(value, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			for (let i = 0; i < r.snapshotLength; i++) {
				if (r.snapshotItem(i).nodeType === 1) found.push(r.snapshotItem(i));
			}
			break;
		}
		}
	} catch (e) {
		return false;
	}
	if (kind === 'text' || kind === 'exact_text') {
		found = found.filter(e => !found.some(o => o !== e && e.contains(o)));
	}
	const visible = e => {
		const r = e.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};
	const distance = e => {
		if (!context) return 0;
		const c = norm(context);
		for (let n = e, i = 0; n && i <= 3; n = n.parentElement, i++) {
			if (norm(n.innerText).includes(c)) return i;
		}
		return -1;
	};
	let hit = null, best = 4;
	for (const e of found) {
		if (!visible(e)) continue;
		const d = distance(e);
		if (d >= 0 && d < best) {
			hit = e;
			best = d;
		}
	}
	if (!hit) return false;
	all('[` + hitAttr + `]').forEach(e => e.removeAttribute('` + hitAttr + `'));
	hit.setAttribute('` + hitAttr + `', token);
	return true;
}`
