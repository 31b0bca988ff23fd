// Package auth manages the bearer token used against the speech API.
// Tokens come from a client-credentials grant and are refreshed before they
// expire; concurrent refreshes collapse into a single grant request.
package auth
