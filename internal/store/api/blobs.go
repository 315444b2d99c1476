package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/recitalhq/recital/internal/storage"
)

// verifySignature checks the signed-URL query parameters against the
// request, returning the clean blob key.
func verifySignature(c *gin.Context, signer *storage.Signer) (string, bool) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if !storage.ValidKey(key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return "", false
	}
	if c.Query("method") != c.Request.Method {
		c.JSON(http.StatusForbidden, gin.H{"error": "method not permitted by signature"})
		return "", false
	}
	if err := signer.Verify(key, c.Request.Method, c.Query("exp"), c.Query("sig")); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return "", false
	}
	return key, true
}

type signBlobRequest struct {
	Key    string `json:"key" binding:"required"`
	Method string `json:"method" binding:"required"`
}

// handleSignBlob issues a signed URL for a caller-chosen key. Clients
// that generate their own fragment keys use this instead of the
// per-session upload route.
func handleSignBlob(signer *storage.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signBlobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Method != http.MethodGet && req.Method != http.MethodPut {
			c.JSON(http.StatusBadRequest, gin.H{"error": "method must be GET or PUT"})
			return
		}
		if !storage.ValidKey(req.Key) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
			return
		}
		url, err := signer.SignedURL(req.Key, req.Method)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"key":    req.Key,
			"url":    url,
			"ttl_ms": signer.TTL().Milliseconds(),
		})
	}
}

func handleBlobPut(blobs storage.BlobStore, signer *storage.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := verifySignature(c, signer)
		if !ok {
			return
		}
		if err := blobs.Put(c.Request.Context(), key, c.Request.Body); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusCreated)
	}
}

func handleBlobGet(blobs storage.BlobStore, signer *storage.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := verifySignature(c, signer)
		if !ok {
			return
		}
		rc, err := blobs.Get(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		defer rc.Close()
		c.DataFromReader(http.StatusOK, -1, "application/octet-stream", rc, nil)
	}
}
