package mcpserver

// NoteFormatContract describes the canonical note format that LLM
// consumers should follow when creating or updating notes.
const NoteFormatContract = `# Mneme Note Format Contract

Every note stored in Mneme MUST follow this structure.

## Structure

A note is plain Markdown plus a tag list supplied alongside it (tags are
NOT embedded in the body).

` + "```" + `markdown
# Human-readable title

Body text in standard Markdown.
` + "```" + `

## Rules

1. **The title is derived from the body.** The first Markdown heading
   becomes the note title; without one, the first non-empty line is
   used (truncated to 100 characters). Do not pass a separate title
   unless you want to override this.
2. **Tags** are lowercase, kebab-case (e.g. ` + "`" + `project-x` + "`" + `, ` + "`" + `meeting-notes` + "`" + `).
   Uppercase and surrounding whitespace are normalized away; duplicates
   are dropped.
3. **The body must not be blank.**
4. **Identifiers** are 26-character ULIDs assigned by the engine.
   Supply one only when migrating existing data.
5. **Encoding** is UTF-8.
6. **No HTML** unless absolutely necessary; prefer Markdown equivalents.

## Reviews

Notes are spaced-repetition items. After showing a note to the user,
record the outcome with the ` + "`" + `record_review` + "`" + ` tool using exactly one of:
` + "`" + `easy` + "`" + `, ` + "`" + `medium` + "`" + `, ` + "`" + `hard` + "`" + `, ` + "`" + `forgotten` + "`" + `.
`
