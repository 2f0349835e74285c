// Package prompts contains the LLM prompt templates used by Mnemo.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, are compiled into the
// binary, and can be validated by tests. Each prompt gets an exported
// function that accepts the dynamic parts and returns the fully
// interpolated string.
package prompts
